package math_test

import (
	"encoding/json"
	"testing"

	fpmath "RewardPool/internal/math"

	"github.com/stretchr/testify/require"
)

func TestAmount_CheckedAddOverflowsAt128Bits(t *testing.T) {
	top := fpmath.MaxAmount()

	_, err := top.CheckedAdd(fpmath.NewAmount(1))
	require.ErrorIs(t, err, fpmath.ErrOverflow)

	sum, err := top.CheckedAdd(fpmath.NewAmount(0))
	require.NoError(t, err)
	require.True(t, sum.Eq(top))
}

func TestAmount_CheckedSubUnderflow(t *testing.T) {
	_, err := fpmath.NewAmount(5).CheckedSub(fpmath.NewAmount(6))
	require.ErrorIs(t, err, fpmath.ErrUnderflow)

	diff, err := fpmath.NewAmount(6).CheckedSub(fpmath.NewAmount(5))
	require.NoError(t, err)
	require.Equal(t, "1", diff.String())
}

func TestAmount_CheckedMul(t *testing.T) {
	got, err := fpmath.NewAmount(1 << 32).CheckedMul(fpmath.NewAmount(1 << 32))
	require.NoError(t, err)
	require.Equal(t, "18446744073709551616", got.String())

	_, err = fpmath.MaxAmount().CheckedMul(fpmath.NewAmount(2))
	require.ErrorIs(t, err, fpmath.ErrOverflow)
}

func TestAmount_SaturatingSubAndMin(t *testing.T) {
	require.True(t, fpmath.NewAmount(3).SaturatingSub(fpmath.NewAmount(9)).IsZero())
	require.Equal(t, "6", fpmath.NewAmount(9).SaturatingSub(fpmath.NewAmount(3)).String())
	require.Equal(t, "3", fpmath.NewAmount(9).Min(fpmath.NewAmount(3)).String())
}

func TestAmount_TimesCannotOverflow(t *testing.T) {
	v := fpmath.MaxAmount().Times(^uint64(0))
	require.False(t, v.IsZero())

	// (2^128-1)(2^64-1) fits in 192 bits, so adding it to itself is fine too
	_, err := v.CheckedAdd(v)
	require.NoError(t, err)
}

func TestVolume_CheckedAddOverflow(t *testing.T) {
	top, err := fpmath.ParseVolume("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)

	_, err = top.CheckedAdd(fpmath.NewVolume(1))
	require.ErrorIs(t, err, fpmath.ErrOverflow)
}

func TestVolume_CheckedSubUnderflow(t *testing.T) {
	_, err := fpmath.NewVolume(1).CheckedSub(fpmath.NewVolume(2))
	require.ErrorIs(t, err, fpmath.ErrUnderflow)
}

func TestMultiplyRatio_FloorsAndUsesWideIntermediate(t *testing.T) {
	got, err := fpmath.MultiplyRatio(fpmath.NewAmount(10), fpmath.NewVolume(1), fpmath.NewVolume(3))
	require.NoError(t, err)
	require.Equal(t, "3", got.String())

	// value*num overflows 256 bits, the quotient still fits
	hugeVol := fpmath.MaxAmount().Times(^uint64(0))
	got, err = fpmath.MultiplyRatio(fpmath.MaxAmount(), hugeVol, hugeVol)
	require.NoError(t, err)
	require.True(t, got.Eq(fpmath.MaxAmount()))
}

func TestMultiplyRatio_Errors(t *testing.T) {
	_, err := fpmath.MultiplyRatio(fpmath.NewAmount(10), fpmath.NewVolume(1), fpmath.NewVolume(0))
	require.ErrorIs(t, err, fpmath.ErrDivideByZero)

	_, err = fpmath.MultiplyRatio(fpmath.MaxAmount(), fpmath.NewVolume(2), fpmath.NewVolume(1))
	require.ErrorIs(t, err, fpmath.ErrOverflow)
}

func TestDiminish_RejectsRatioAboveOne(t *testing.T) {
	_, err := fpmath.Diminish(fpmath.NewAmount(100), fpmath.NewVolume(2), fpmath.NewVolume(1))
	require.ErrorIs(t, err, fpmath.ErrRatio)

	got, err := fpmath.Diminish(fpmath.NewAmount(15000), fpmath.NewVolume(10000), fpmath.NewVolume(15000))
	require.NoError(t, err)
	require.Equal(t, "10000", got.String())
}

func TestParseAmount(t *testing.T) {
	_, err := fpmath.ParseAmount("abc")
	require.ErrorIs(t, err, fpmath.ErrInvalidNumber)

	_, err = fpmath.ParseAmount("340282366920938463463374607431768211456") // 2^128
	require.ErrorIs(t, err, fpmath.ErrOverflow)

	a, err := fpmath.ParseAmount("340282366920938463463374607431768211455")
	require.NoError(t, err)
	require.True(t, a.Eq(fpmath.MaxAmount()))
}

func TestAmount_JSONIsDecimalString(t *testing.T) {
	type wrapper struct {
		A fpmath.Amount `json:"a"`
		V fpmath.Volume `json:"v"`
	}
	in := wrapper{A: fpmath.MaxAmount(), V: fpmath.MaxAmount().Times(7)}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	require.Contains(t, string(data), `"a":"340282366920938463463374607431768211455"`)

	var out wrapper
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in, out)

	require.Error(t, json.Unmarshal([]byte(`{"a":12}`), &out))
}

func TestRatio_PartsPerMillion(t *testing.T) {
	r := fpmath.Ratio{Num: fpmath.NewVolume(5000), Den: fpmath.NewVolume(15000)}
	require.Equal(t, uint64(333333), r.PartsPerMillion())
	require.Equal(t, uint64(0), fpmath.Ratio{}.PartsPerMillion())
}
