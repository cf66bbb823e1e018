package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gmsas95/medassist/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(config.InferenceConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "test-model",
		Timeout: 5,
	}, zap.NewNop())
}

func completionWith(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestParseIntent(t *testing.T) {
	c := newTestClient(t, completionWith(
		`{"intent":"add_medication","name":"Lisinopril","dosage":"5mg","frequency":"daily"}`))

	cmd, err := c.ParseIntent(context.Background(), "take 5mg of lisinopril daily")
	require.NoError(t, err)
	assert.Equal(t, KindAddMedication, cmd.Kind)
	assert.Equal(t, "Lisinopril", cmd.Name)
	assert.Equal(t, "5mg", cmd.Dosage)
	assert.Equal(t, "daily", cmd.Frequency)
}

func TestParseIntentSendsAuthAndModel(t *testing.T) {
	var gotAuth, gotModel string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		completionWith(`{"intent":"unknown"}`)(w, r)
	})

	_, err := c.ParseIntent(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-model", gotModel)
}

func TestParseIntentGarbageFallsBackToUnknown(t *testing.T) {
	c := newTestClient(t, completionWith("I am not JSON at all"))

	cmd, err := c.ParseIntent(context.Background(), "mumble")
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, cmd.Kind)
}

func TestParseIntentMissingKindDefaultsToUnknown(t *testing.T) {
	c := newTestClient(t, completionWith(`{"name":"something"}`))

	cmd, err := c.ParseIntent(context.Background(), "mumble")
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, cmd.Kind)
}

func TestParseIntentStripsFences(t *testing.T) {
	c := newTestClient(t, completionWith("```json\n{\"intent\":\"sos\"}\n```"))

	cmd, err := c.ParseIntent(context.Background(), "help")
	require.NoError(t, err)
	assert.Equal(t, KindSOS, cmd.Kind)
}

func TestParseIntentAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	cmd, err := c.ParseIntent(context.Background(), "hello")
	assert.Error(t, err)
	assert.Equal(t, KindUnknown, cmd.Kind)
}

func TestCheckDosage(t *testing.T) {
	c := newTestClient(t, completionWith(`{"safe":false,"warning":"500mg exceeds the usual maximum"}`))

	verdict, err := c.CheckDosage(context.Background(), "Lisinopril", "500mg")
	require.NoError(t, err)
	assert.False(t, verdict.Safe)
	assert.NotEmpty(t, verdict.Warning)
}

func TestAnalyzePrescription(t *testing.T) {
	c := newTestClient(t, completionWith(
		`{"medications":[{"name":"Metformin","dosage":"500mg","frequency":"daily"},{"name":"Atorvastatin","dosage":"20mg"}]}`))

	meds, err := c.AnalyzePrescription(context.Background(), []byte{0xff, 0xd8})
	require.NoError(t, err)
	require.Len(t, meds, 2)
	assert.Equal(t, "Metformin", meds[0].Name)
	assert.Equal(t, "Atorvastatin", meds[1].Name)
}

func TestAnalyzePrescriptionRejectsNonPrescription(t *testing.T) {
	c := newTestClient(t, completionWith(
		`{"is_prescription":false,"medications":[{"name":"cat"}]}`))

	meds, err := c.AnalyzePrescription(context.Background(), []byte{0xff, 0xd8})
	require.NoError(t, err)
	assert.Empty(t, meds)
}

func TestTranscribe(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, transcribeModel, r.FormValue("model"))
		json.NewEncoder(w).Encode(map[string]string{"text": " I took my pills "})
	})

	text, err := c.Transcribe(context.Background(), []byte("ogg-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "I took my pills", text)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})

	for i := 0; i < 5; i++ {
		_, err := c.CheckDosage(context.Background(), "X", "1mg")
		assert.Error(t, err)
	}

	_, err := c.CheckDosage(context.Background(), "X", "1mg")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
