package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapAndCodeOf(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(CodeToolServerError, base)

	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, CodeToolServerError, code)
	assert.ErrorIs(t, err, ToolServerError)
	assert.NotErrorIs(t, err, UnknownExpert)
}

func TestNewFormats(t *testing.T) {
	err := New(CodeUnknownExpert, "expert %q not found", "chitchat")
	assert.Equal(t, `UnknownExpert: expert "chitchat" not found`, err.Error())
	assert.ErrorIs(t, err, UnknownExpert)
}

func TestWrapNilIsNil(t *testing.T) {
	assert.Nil(t, Wrap(CodeCancelled, nil))
}

func TestUnwrapChain(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("session store: %w", Wrap(CodeToolServerError, base))
	assert.ErrorIs(t, err, ToolServerError)
	assert.ErrorIs(t, err, base)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeUnknownExpert:     404,
		CodeDisabledExpert:    404,
		CodeConfigError:       422,
		CodeMaxTurnsExceeded:  422,
		CodeToolServerError:   500,
		CodeOrchestratorError: 500,
		CodeCancelled:         499,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), code)
	}
}
