package workflowapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nbflow/engine_go/pkg/observation"
	. "nbflow/engine_go/pkg/workflowapi"
)

func testPayload() *observation.Payload {
	return &observation.Payload{}
}

func TestPlanningDecodesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/planning", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"targetAchieved": true, "transition": {"continue_behaviors": false}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	response, err := client.Planning(context.Background(), testPayload())
	require.NoError(t, err)
	assert.True(t, response.TargetAchieved)
	require.NotNil(t, response.Transition)
	assert.False(t, response.Transition.ContinueBehaviors)
}

func TestPlanningRetriesOnceOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"targetAchieved": false}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	response, err := client.Planning(context.Background(), testPayload())
	require.NoError(t, err)
	assert.False(t, response.TargetAchieved)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPlanningDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	_, err := client.Planning(context.Background(), testPayload())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, ErrKindContract, apiErr.Kind)
	assert.False(t, apiErr.Recoverable())
}

func TestPlanningPersistentServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "still down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	_, err := client.Planning(context.Background(), testPayload())
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, ErrKindTransport, apiErr.Kind)
}

func TestPlanningMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"targetAchieved": `))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	_, err := client.Planning(context.Background(), testPayload())
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, ErrKindContract, apiErr.Kind)
}

func TestGeneratingCollectsStreamedActions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generating", r.URL.Path)
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Accept"))
		w.Write([]byte(`{"action": {"action": "add", "content": "df = pd.read_csv('iris.csv')"}}
{"action": {"action": "exec"}}
`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	actions, err := client.Generating(context.Background(), testPayload())
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, ActionAdd, actions[0].Type)
	assert.Equal(t, ActionExec, actions[1].Type)
}

func TestGeneratingNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	_, err := client.Generating(context.Background(), testPayload())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, ErrKindTransport, apiErr.Kind)
}

func TestGeneratingUnreachableServer(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", nil)
	_, err := client.Generating(context.Background(), testPayload())
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, ErrKindTransport, apiErr.Kind)
	assert.True(t, apiErr.Recoverable())
}

func TestTransitionEffectiveTargetAchieved(t *testing.T) {
	no := false
	yes := true

	tests := []struct {
		name     string
		response PlannerResponse
		want     bool
	}{
		{"top level only", PlannerResponse{TargetAchieved: true}, true},
		{"transition overrides", PlannerResponse{TargetAchieved: false, Transition: &Transition{TargetAchieved: &yes}}, true},
		{"transition negative", PlannerResponse{TargetAchieved: true, Transition: &Transition{TargetAchieved: &no}}, false},
		{"transition unset falls back", PlannerResponse{TargetAchieved: true, Transition: &Transition{}}, true},
		{"neither set", PlannerResponse{}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.response.EffectiveTargetAchieved())
		})
	}
}

func TestContextUpdateCollectsUnknownKeys(t *testing.T) {
	raw := []byte(`{
		"variables": {"target_column": "species"},
		"progress_update": {"level": "steps", "focus": "loading"},
		"totally_new_key": {"nested": true},
		"another_new_key": 1
	}`)

	var update ContextUpdate
	require.NoError(t, update.UnmarshalJSON(raw))

	assert.Equal(t, "species", update.Variables["target_column"])
	require.NotNil(t, update.ProgressUpdate)
	assert.Equal(t, "steps", update.ProgressUpdate.Level)
	assert.ElementsMatch(t, []string{"totally_new_key", "another_new_key"}, update.UnknownKeys)
}
