package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/lklic/idios/internal/apierr"
	"github.com/lklic/idios/internal/command"
)

func TestDecodeReply_Success(t *testing.T) {
	r := reply{CorrelationID: "abc", Result: json.RawMessage(`"pong"`)}
	var out string
	if err := decodeReply(r, &out); err != nil {
		t.Fatalf("decodeReply: %v", err)
	}
	if out != "pong" {
		t.Errorf("expected pong, got %q", out)
	}
}

func TestDecodeReply_ParameterException(t *testing.T) {
	r := reply{ExceptionType: string(apierr.KindParameter), ExceptionArgs: []string{"bad url"}}
	err := decodeReply(r, nil)
	apiErr, ok := apierr.AsError(err)
	if !ok {
		t.Fatalf("expected *apierr.Error, got %T", err)
	}
	if apiErr.Kind != apierr.KindParameter {
		t.Errorf("expected KindParameter, got %v", apiErr.Kind)
	}
	if apiErr.Message != "bad url" {
		t.Errorf("expected message %q, got %q", "bad url", apiErr.Message)
	}
}

func TestDecodeReply_ServerException(t *testing.T) {
	r := reply{ExceptionType: "boom", ExceptionArgs: []string{"upstream failed"}}
	err := decodeReply(r, nil)
	apiErr, ok := apierr.AsError(err)
	if !ok {
		t.Fatalf("expected *apierr.Error, got %T", err)
	}
	if apiErr.Kind != apierr.KindServer {
		t.Errorf("unrecognized exception_type should map to KindServer, got %v", apiErr.Kind)
	}
}

func TestDecodeReply_NoOutPointerIsNoop(t *testing.T) {
	r := reply{Result: json.RawMessage(`{"some":"value"}`)}
	if err := decodeReply(r, nil); err != nil {
		t.Fatalf("decodeReply with nil out: %v", err)
	}
}

func TestDecodeArgs_EmptyIsNoop(t *testing.T) {
	var a struct{ X int }
	if err := decodeArgs(nil, &a); err != nil {
		t.Fatalf("decodeArgs with empty raw: %v", err)
	}
}

func TestDecodeArgs_InvalidJSONIsParameterError(t *testing.T) {
	var a struct{ X int }
	err := decodeArgs(json.RawMessage(`not json`), &a)
	apiErr, ok := apierr.AsError(err)
	if !ok {
		t.Fatalf("expected *apierr.Error, got %T", err)
	}
	if apiErr.Kind != apierr.KindParameter {
		t.Errorf("expected KindParameter for malformed args, got %v", apiErr.Kind)
	}
}

func TestWorkerDispatch_Ping(t *testing.T) {
	cmds := command.New(map[string]command.ModelBackend{})
	w := &Worker{cmds: cmds}

	result, err := w.dispatch(context.Background(), job{Command: "ping"})
	if err != nil {
		t.Fatalf("dispatch ping: %v", err)
	}
	if result != "pong" {
		t.Errorf("expected pong, got %v", result)
	}
}

func TestWorkerDispatch_UnknownCommand(t *testing.T) {
	cmds := command.New(map[string]command.ModelBackend{})
	w := &Worker{cmds: cmds}

	_, err := w.dispatch(context.Background(), job{Command: "does_not_exist"})
	apiErr, ok := apierr.AsError(err)
	if !ok {
		t.Fatalf("expected *apierr.Error, got %T", err)
	}
	if apiErr.Kind != apierr.KindParameter {
		t.Errorf("unknown command should be a parameter_error, got %v", apiErr.Kind)
	}
}

func TestWorkerDispatch_CountUnknownModelIsParameterError(t *testing.T) {
	cmds := command.New(map[string]command.ModelBackend{})
	w := &Worker{cmds: cmds}

	args, _ := json.Marshal(map[string]string{"model": "nope"})
	_, err := w.dispatch(context.Background(), job{Command: "count", Args: args})
	apiErr, ok := apierr.AsError(err)
	if !ok {
		t.Fatalf("expected *apierr.Error, got %T", err)
	}
	if apiErr.Kind != apierr.KindParameter {
		t.Errorf("expected KindParameter for unknown model, got %v", apiErr.Kind)
	}
}
