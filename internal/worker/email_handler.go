package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"tropl/internal/tasks"
)

// Sender 抽象邮件发送，便于测试替换。
type Sender interface {
	SendOTP(to, name, code string, expiryMinutes int) error
	SendWelcome(to, name string) error
}

// EmailTaskHandler 负责消费邮件发送任务。
//
// A returned error triggers an asynq retry of the delivery only; the
// verification code itself lives in the account row and is unaffected.
type EmailTaskHandler struct {
	sender Sender
	logger *slog.Logger
}

// NewEmailTaskHandler 创建邮件任务处理器。
func NewEmailTaskHandler(sender Sender, logger *slog.Logger) *EmailTaskHandler {
	return &EmailTaskHandler{sender: sender, logger: logger}
}

// ProcessTask 实现 asynq.Handler。
func (h *EmailTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	switch t.Type() {
	case tasks.TypeEmailOTP:
		var payload tasks.EmailOTPPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			h.logger.Error("unmarshal otp email payload failed", slog.Any("error", err))
			return err
		}
		if err := h.sender.SendOTP(payload.Email, payload.Name, payload.Code, payload.ExpiryMinutes); err != nil {
			h.logger.Error("send otp email failed",
				slog.String("email", payload.Email),
				slog.Any("error", err),
			)
			return err
		}
		h.logger.Info("otp email delivered", slog.String("email", payload.Email))
		return nil

	case tasks.TypeEmailWelcome:
		var payload tasks.EmailWelcomePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			h.logger.Error("unmarshal welcome email payload failed", slog.Any("error", err))
			return err
		}
		if err := h.sender.SendWelcome(payload.Email, payload.Name); err != nil {
			h.logger.Error("send welcome email failed",
				slog.String("email", payload.Email),
				slog.Any("error", err),
			)
			return err
		}
		h.logger.Info("welcome email delivered", slog.String("email", payload.Email))
		return nil

	default:
		return fmt.Errorf("unexpected email task type %q", t.Type())
	}
}
