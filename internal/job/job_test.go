package job

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryTypeHasOneQueueAndPayload(t *testing.T) {
	t.Parallel()

	for _, typ := range AllTypes() {
		q, ok := QueueOf(typ)
		require.True(t, ok, "type %s has no queue", typ)
		assert.True(t, q.Valid())
		assert.Contains(t, TypesOf(q), typ)

		p, err := DecodePayload(typ, []byte(`{}`))
		require.NoError(t, err, "type %s has no payload struct", typ)
		assert.Equal(t, typ, p.JobType())
	}
}

func TestEveryQueueHasPolicy(t *testing.T) {
	t.Parallel()

	policies := DefaultPolicies()
	for _, q := range AllQueues() {
		p, ok := policies[q]
		require.True(t, ok, "queue %s has no policy", q)
		assert.Positive(t, p.Concurrency)
		assert.Positive(t, p.MaxAttempts)
		assert.NotNil(t, p.Backoff)
	}
	assert.Equal(t, 1, policies[QueueLabels].Concurrency)
	assert.Equal(t, 20, policies[QueueAnalyticsRealtime].Concurrency)
}

func TestDecodePayloadRejectsUnknownType(t *testing.T) {
	t.Parallel()

	_, err := DecodePayload(Type("SEND_NEWSLETTER"), []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.True(t, IsPermanent(err))
}

func TestDecodePayloadRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	_, err := DecodePayload(TypeBulkCancelShipment, []byte(`{"shipment_ids": 7}`))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	opID := uuid.New()
	p := CancelShipmentPayload{
		BulkRef:     BulkRef{OperationID: opID, UserID: uuid.New()},
		ShipmentIDs: []string{"SHP-1", "SHP-2"},
	}

	env, err := New(p, WithPriority(5), WithDedupeID(opID.String()))
	require.NoError(t, err)
	require.NoError(t, env.Validate())

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, QueueShipments, env.Queue)
	assert.Equal(t, TypeBulkCancelShipment, env.Type)
	assert.Equal(t, opID.String(), env.OperationID)
	assert.Equal(t, 5, env.Options.Priority)
	assert.False(t, env.CreatedAt.IsZero())

	decoded, err := env.Decode()
	require.NoError(t, err)
	got, ok := decoded.(*CancelShipmentPayload)
	require.True(t, ok)
	assert.Equal(t, p, *got)
}

func TestNewEnvelopeWithoutOperation(t *testing.T) {
	t.Parallel()

	env, err := New(HomeAnalyticsPayload{})
	require.NoError(t, err)
	assert.Empty(t, env.OperationID)
	assert.Equal(t, QueueAnalytics, env.Queue)
}

func TestPriorityIsClamped(t *testing.T) {
	t.Parallel()

	high, err := New(HomeAnalyticsPayload{}, WithPriority(5000))
	require.NoError(t, err)
	assert.Equal(t, MaxPriority, high.Options.Priority)

	low, err := New(HomeAnalyticsPayload{}, WithPriority(-3))
	require.NoError(t, err)
	assert.Equal(t, MinPriority, low.Options.Priority)
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	base, err := New(RealTimeAnalyticsPayload{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(e *Envelope)
	}{
		{"missing id", func(e *Envelope) { e.ID = "" }},
		{"unknown type", func(e *Envelope) { e.Type = "NOPE" }},
		{"wrong queue", func(e *Envelope) { e.Queue = QueueBilling }},
		{"cron template", func(e *Envelope) { e.Options.Cron = "* * * * *" }},
		{"priority", func(e *Envelope) { e.Options.Priority = 1000 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := base
			tc.mutate(&env)
			assert.Error(t, env.Validate())
		})
	}
}

func TestTemplateStamp(t *testing.T) {
	t.Parallel()

	tmpl, err := TemplateOf(PredictiveAnalyticsPayload{}, WithCron("*/30 * * * *"), WithPriority(3))
	require.NoError(t, err)

	a := tmpl.Stamp("predictive@100")
	b := tmpl.Stamp("predictive@160")

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "predictive@100", a.Options.DedupeID)
	assert.Empty(t, a.Options.Cron)
	assert.Equal(t, 3, a.Options.Priority)
	assert.NoError(t, a.Validate())
	assert.JSONEq(t, string(tmpl.Payload), string(a.Payload))
}

func TestPolicyResolve(t *testing.T) {
	t.Parallel()

	p := DefaultPolicies()[QueueBilling]
	assert.Equal(t, 3, p.Resolve(Options{}).MaxAttempts)
	assert.Equal(t, 7, p.Resolve(Options{MaxAttempts: 7}).MaxAttempts)
	assert.Equal(t, 1, Policy{}.Resolve(Options{}).MaxAttempts)
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Permanent(nil))

	base := assert.AnError
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Same(t, err, Permanent(err))
	assert.False(t, IsPermanent(base))
}

func TestEnvelopeJSONRoundTripKeepsPayloadBytes(t *testing.T) {
	t.Parallel()

	env, err := New(WeightCSVPayload{BulkRef: BulkRef{OperationID: uuid.New(), UserID: uuid.New()}, FilePath: "uploads/w.csv"})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var back Envelope
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.JSONEq(t, string(env.Payload), string(back.Payload))
	assert.Equal(t, env.OperationID, back.OperationID)
}

func TestValidatePayload(t *testing.T) {
	t.Parallel()

	ref := BulkRef{OperationID: uuid.New(), UserID: uuid.New()}
	tests := []struct {
		name    string
		payload Payload
		valid   bool
	}{
		{"cancel", CancelShipmentPayload{BulkRef: ref, ShipmentIDs: []string{"SHP-1", "SHP-2"}}, true},
		{"missing operation", CancelShipmentPayload{ShipmentIDs: []string{"SHP-1"}}, false},
		{"empty shipments", CancelShipmentPayload{BulkRef: ref}, false},
		{"duplicate shipments", CancelShipmentPayload{BulkRef: ref, ShipmentIDs: []string{"SHP-1", "SHP-1"}}, false},
		{"blank shipment", DownloadLabelPayload{BulkRef: ref, ShipmentIDs: []string{""}}, false},
		{"pickup without date", SchedulePickupPayload{BulkRef: ref, ShipmentIDs: []string{"SHP-1"}}, false},
		{"duplicate order edits", EditOrderDetailsPayload{BulkRef: ref, Orders: []OrderEdit{
			{OrderID: "ORD-1", Fields: map[string]string{"phone": "1"}},
			{OrderID: "ORD-1", Fields: map[string]string{"phone": "2"}},
		}}, false},
		{"order edit without fields", EditOrderDetailsPayload{BulkRef: ref, Orders: []OrderEdit{{OrderID: "ORD-1"}}}, false},
		{"csv", &WeightCSVPayload{BulkRef: ref, FilePath: "uploads/w.csv"}, true},
		{"analytics fan-out", HomeAnalyticsPayload{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidatePayload(tt.payload)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidPayload)
			}
		})
	}
}
