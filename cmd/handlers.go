package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/GiampaoloGabba/taskengine/internal/applog"
	"github.com/GiampaoloGabba/taskengine/internal/worker"
)

// echoRequest is the payload shape the "echo" demo task type accepts.
type echoRequest struct {
	Message string `json:"message"`
}

// echoHandler logs its payload and succeeds. It stands in for a real
// handler the way the teacher's scheduler ships no business handlers
// of its own, only webhook delivery; this is the module's equivalent
// smoke-test task.
type echoHandler struct {
	logger applog.Logger
}

func newEchoHandlerFactory(logger applog.Logger) worker.HandlerFactory {
	return func() (worker.Handler, error) {
		return &echoHandler{logger: logger}, nil
	}
}

func (h *echoHandler) Handle(ctx context.Context, request []byte) error {
	var req echoRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return fmt.Errorf("echo: decode request: %w", err)
	}
	h.logger.Info("echo task executed", applog.Str("message", req.Message))
	return nil
}
