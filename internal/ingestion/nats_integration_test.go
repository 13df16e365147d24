package ingestion_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"RewardPool/internal/ingestion"
	"RewardPool/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATS_SubscribeAndParse(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop(), nil)
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, ingestion.EnsureStreams(ctx, js, zerolog.Nop()))

	rawChan := make(chan ingestion.RawEvent, 16)
	sub := ingestion.NewNATSSubscriber(js, rawChan, nil, zerolog.Nop())
	require.NoError(t, sub.Subscribe(ctx, ingestion.DefaultSubjects()))
	defer sub.Stop()

	commandID := uuid.New()
	account := "it-" + commandID.String()[:8]
	body := fmt.Sprintf(`{"command_id":%q,"asset":"LP","account":%q,"amount":"7","moment":1}`, commandID, account)
	subject := "rewards.tokens.credit." + account
	_, err = js.Publish(ctx, subject, []byte(body))
	require.NoError(t, err)

	resolver := ingestion.NewSubjectResolver(ingestion.DefaultSubjects())
	for {
		select {
		case raw := <-rawChan:
			raw.AckFunc()
			if raw.Subject != subject {
				// left over from an earlier run
				continue
			}
			evt, err := ingestion.ParseCommand(resolver.Resolve(raw.Subject), raw.Data)
			require.NoError(t, err)
			assert.Equal(t, commandID.String(), evt.IdempotencyKey())
			return
		case <-ctx.Done():
			t.Fatal("command not delivered")
		}
	}
}
