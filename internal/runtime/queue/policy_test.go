package queue

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPolicyDefaultExpression(t *testing.T) {
	policy, err := NewPolicy(`request.method in ["POST", "PUT", "PATCH", "DELETE"]`)
	require.NoError(t, err)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		ok, err := policy.Eligible(Candidate{Method: method, URL: "/api/x"})
		require.NoError(t, err)
		require.True(t, ok, method)
	}
	ok, err := policy.Eligible(Candidate{Method: "OPTIONS", URL: "/api/x"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPolicyUsesPathAndHeaders(t *testing.T) {
	policy, err := NewPolicy(`request.path.startsWith("/api/") && lookup(request.headers, "x-no-queue") == null`)
	require.NoError(t, err)

	ok, err := policy.Eligible(Candidate{Method: http.MethodPost, Path: "/api/prompts"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = policy.Eligible(Candidate{Method: http.MethodPost, Path: "/api/prompts", Header: http.Header{"X-No-Queue": {"1"}}})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPolicyEmptyExpressionDisablesQueueing(t *testing.T) {
	policy, err := NewPolicy("")
	require.NoError(t, err)
	ok, err := policy.Eligible(Candidate{Method: http.MethodPost})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPolicyRejectsInvalidExpression(t *testing.T) {
	_, err := NewPolicy(`request.method +`)
	require.Error(t, err)
}
