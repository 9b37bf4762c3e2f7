package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changecontrol/internal/change"
	"github.com/roach88/changecontrol/internal/config"
	"github.com/roach88/changecontrol/internal/definition"
	"github.com/roach88/changecontrol/internal/kv"
	"github.com/roach88/changecontrol/internal/lock"
)

func TestOutputFormatter_TextDone(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Done(map[string]int{"cleared": 2}))
	assert.Equal(t, "Done\n", buf.String())

	require.NoError(t, formatter.Fail(errors.New("boom"), nil))
	assert.Equal(t, "Done\n", buf.String(), "text failures are printed by main")
}

func TestOutputFormatter_JSONDone(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Done(map[string]string{"result": "success"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONFail(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := &change.ModifiedError{ID: "release-1.0:init"}
	require.NoError(t, formatter.Fail(err, map[string]string{"changeset": "release-1.0"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeModified, resp.Error.Code)
	assert.Equal(t, "release-1.0:init has been modified", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&lock.ContentionError{Owner: "a"}, ErrCodeContention},
		{fmt.Errorf("wrapped: %w", &change.ModifiedError{ID: "x"}), ErrCodeModified},
		{&change.PreconditionError{ID: "x", Err: errors.New("no")}, ErrCodePrecondition},
		{&change.ActionError{ID: "x", Err: errors.New("no")}, ErrCodeAction},
		{&definition.LoadError{File: "f", Message: "bad"}, ErrCodeDefinition},
		{fmt.Errorf("%w: prefix", config.ErrInvalidConfig), ErrCodeConfig},
		{kv.Wrap("hgetall", "k", errors.New("down")), ErrCodeStore},
		{errors.New("other"), ErrCodeGeneric},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), tt.err.Error())
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("cause")

	assert.Equal(t, "msg", NewExitError(ExitFailure, "msg").Error())
	assert.Equal(t, "msg: cause", WrapExitError(ExitFailure, "msg", cause).Error())
	assert.Equal(t, "cause", WrapExitError(ExitFailure, "", cause).Error())

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "", cause))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, ExitFailure, GetExitCode(cause))
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
}
