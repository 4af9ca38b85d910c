package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// 任务类型常量，确保队列生产者与消费者一致。
const (
	TypeResumeParse  = "resume:parse"
	TypeEmailOTP     = "email:send_otp"
	TypeEmailWelcome = "email:send_welcome"
)

// ResumeParsePayload 描述解析一份已上传简历所需的最小信息。
type ResumeParsePayload struct {
	ResumeID      uint   `json:"resume_id"`
	UserID        uint   `json:"user_id"`
	CorrelationID string `json:"correlation_id"`
}

// NewResumeParseTask 构造一个新的简历解析任务。
func NewResumeParseTask(resumeID, userID uint, correlationID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ResumeParsePayload{
		ResumeID:      resumeID,
		UserID:        userID,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeResumeParse, payload), nil
}

// EmailOTPPayload carries everything the mail worker needs to deliver a
// verification code. The code is already persisted; a failed delivery only
// retries the mail, never re-issues the code.
type EmailOTPPayload struct {
	Email         string `json:"email"`
	Name          string `json:"name"`
	Code          string `json:"code"`
	ExpiryMinutes int    `json:"expiry_minutes"`
}

// NewEmailOTPTask 构造验证码邮件任务。
func NewEmailOTPTask(email, name, code string, expiryMinutes int) (*asynq.Task, error) {
	payload, err := json.Marshal(EmailOTPPayload{
		Email:         email,
		Name:          name,
		Code:          code,
		ExpiryMinutes: expiryMinutes,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeEmailOTP, payload), nil
}

// EmailWelcomePayload 欢迎邮件任务内容。
type EmailWelcomePayload struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// NewEmailWelcomeTask 构造欢迎邮件任务。
func NewEmailWelcomeTask(email, name string) (*asynq.Task, error) {
	payload, err := json.Marshal(EmailWelcomePayload{Email: email, Name: name})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeEmailWelcome, payload), nil
}
