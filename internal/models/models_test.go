package models

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoryStatusIsTerminal(t *testing.T) {
	assert.True(t, StoryStatusCompleted.IsTerminal())
	assert.True(t, StoryStatusPartial.IsTerminal())
	assert.True(t, StoryStatusFailed.IsTerminal())
	assert.True(t, StoryStatusCancelled.IsTerminal())
	assert.False(t, StoryStatusProcessing.IsTerminal())
	assert.False(t, StoryStatusSaved.IsTerminal())
}

func TestNormalizeArtStyle(t *testing.T) {
	assert.Equal(t, ArtStyleSoftAnime, NormalizeArtStyle("soft_anime"))
	assert.Equal(t, DefaultArtStyle, NormalizeArtStyle(""))
	assert.Equal(t, DefaultArtStyle, NormalizeArtStyle("vaporwave"))
}

func TestPipelineErrorCarriesContextAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	storyID := uuid.New()
	pe := NewPipelineError(CodeNetwork, "fetch failed", ErrorContext{
		StoryID:    storyID,
		PageNumber: 3,
		Operation:  "fetch_source",
		Attempts:   3,
	}, cause)

	assert.ErrorIs(t, pe, cause)
	assert.Contains(t, pe.Error(), "fetch failed")
	assert.Contains(t, pe.Error(), "network")
	assert.Contains(t, pe.Error(), "page=3")
	assert.False(t, pe.Context.Timestamp.IsZero(), "timestamp is stamped automatically")
}

func TestPipelineErrorGatewaySentinels(t *testing.T) {
	transient := NewPipelineError(CodeServerError, "upstream flaky", ErrorContext{}, errors.New("503"))
	transient.Retryable = true
	assert.ErrorIs(t, transient, ErrGatewayTransient)
	assert.NotErrorIs(t, transient, ErrGatewayPermanent)

	permanent := NewPipelineError(CodeAuthError, "denied", ErrorContext{}, errors.New("401"))
	assert.ErrorIs(t, permanent, ErrGatewayPermanent)
	assert.NotErrorIs(t, permanent, ErrGatewayTransient)

	cancelled := NewPipelineError(CodeCancelled, "run cancelled", ErrorContext{}, nil)
	assert.NotErrorIs(t, cancelled, ErrGatewayPermanent)
	assert.NotErrorIs(t, cancelled, ErrGatewayTransient)
}

func TestHTTPStatusForError(t *testing.T) {
	testCases := []struct {
		err  error
		want int
	}{
		{ErrValidation, http.StatusBadRequest},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrForbidden, http.StatusForbidden},
		{ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
		{NewPipelineError(CodeValidation, "bad", ErrorContext{}, nil), http.StatusBadRequest},
		{NewPipelineError(CodeAuthError, "denied", ErrorContext{}, nil), http.StatusUnauthorized},
		{NewPipelineError(CodeServerError, "upstream", ErrorContext{}, nil), http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, HTTPStatusForError(tc.err), "error: %v", tc.err)
	}
}

func TestPageOutcomeConstructors(t *testing.T) {
	page := &StoryPage{PageNumber: 2, Status: PageStatusCompleted}

	completed := CompletedOutcome(page, "digest")
	require.Equal(t, OutcomeCompleted, completed.Kind)
	assert.Equal(t, 2, completed.PageNumber)
	assert.Equal(t, "digest", completed.DigestCandidate)

	failed := FailedOutcome(4, errors.New("boom"))
	require.Equal(t, OutcomeFailed, failed.Kind)
	assert.Error(t, failed.Err)

	cancelled := CancelledOutcome(5)
	require.Equal(t, OutcomeCancelled, cancelled.Kind)
	assert.Equal(t, "cancelled", cancelled.Kind.String())
}
