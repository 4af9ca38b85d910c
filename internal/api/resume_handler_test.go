package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/minio/minio-go/v7"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"tropl/internal/database"
	"tropl/internal/resume"
	"tropl/internal/tasks"
)

type fakeStorage struct {
	uploaded map[string][]byte
	deleted  []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{uploaded: map[string][]byte{}}
}

func (s *fakeStorage) UploadFile(_ context.Context, objectName string, reader io.Reader, _ int64, _ string) (*minio.UploadInfo, error) {
	b, _ := io.ReadAll(reader)
	s.uploaded[objectName] = b
	return &minio.UploadInfo{}, nil
}

func (s *fakeStorage) GeneratePresignedURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://example.invalid/" + objectKey, nil
}

func (s *fakeStorage) DeleteObject(_ context.Context, objectKey string) error {
	s.deleted = append(s.deleted, objectKey)
	delete(s.uploaded, objectKey)
	return nil
}

func (s *fakeStorage) DeletePrefix(_ context.Context, prefix string) error {
	s.deleted = append(s.deleted, prefix)
	return nil
}

type fakeEnqueuer struct {
	enqueued []*asynq.Task
	err      error
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.enqueued = append(f.enqueued, task)
	return &asynq.TaskInfo{ID: "task-1"}, nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&database.User{}, &database.Resume{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, email string) database.User {
	t.Helper()
	user := database.User{Name: "Test User", Email: email, Role: database.RoleUser, EmailVerified: true}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func newUploadHandler(db *gorm.DB, storage *fakeStorage, enqueuer *fakeEnqueuer, maxBytes int64) *ResumeHandler {
	store := resume.NewStore(db, nil)
	return NewResumeHandler(db, store, enqueuer, storage, nil, maxBytes, "")
}

func newMultipartUpload(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("resume", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func uploadRequest(t *testing.T, userID uint, filename string, content []byte) (*httptest.ResponseRecorder, *gin.Context) {
	t.Helper()
	body, contentType := newMultipartUpload(t, filename, content)
	req := httptest.NewRequest(http.MethodPost, "/v1/resume/upload", body)
	req.Header.Set("Content-Type", contentType)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	c.Set("userID", userID)
	return w, c
}

func TestUploadResumeCreatesActiveVersionAndEnqueuesParse(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	user := seedUser(t, db, "upload@example.com")
	storage := newFakeStorage()
	enqueuer := &fakeEnqueuer{}
	h := newUploadHandler(db, storage, enqueuer, 5*1024*1024)

	w, c := uploadRequest(t, user.ID, "cv.pdf", []byte("%PDF-1.4 test"))
	h.UploadResume(c)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d body=%s", w.Code, w.Body.String())
	}
	if len(storage.uploaded) != 1 {
		t.Fatalf("expected 1 stored object, got %d", len(storage.uploaded))
	}
	if len(enqueuer.enqueued) != 1 || enqueuer.enqueued[0].Type() != tasks.TypeResumeParse {
		t.Fatalf("expected one parse task, got %+v", enqueuer.enqueued)
	}

	var created database.Resume
	if err := db.Where("user_id = ?", user.ID).First(&created).Error; err != nil {
		t.Fatalf("load created version: %v", err)
	}
	if created.Version != 1 || !created.IsActive {
		t.Fatalf("expected active version 1, got v%d active=%v", created.Version, created.IsActive)
	}
	if created.ParsingStatus != database.ParsingPending {
		t.Fatalf("expected pending status, got %q", created.ParsingStatus)
	}
}

func TestUploadResumeRejectsOversizedFile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	user := seedUser(t, db, "big@example.com")
	storage := newFakeStorage()
	enqueuer := &fakeEnqueuer{}
	h := newUploadHandler(db, storage, enqueuer, 16)

	w, c := uploadRequest(t, user.ID, "cv.pdf", bytes.Repeat([]byte("a"), 64))
	h.UploadResume(c)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 got %d body=%s", w.Code, w.Body.String())
	}
	if len(storage.uploaded) != 0 {
		t.Fatalf("oversized file must not reach storage")
	}
}

func TestUploadResumeRejectsNonPDF(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	user := seedUser(t, db, "docx@example.com")
	storage := newFakeStorage()
	enqueuer := &fakeEnqueuer{}
	h := newUploadHandler(db, storage, enqueuer, 5*1024*1024)

	w, c := uploadRequest(t, user.ID, "cv.docx", []byte("not a pdf"))
	h.UploadResume(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d body=%s", w.Code, w.Body.String())
	}
	if len(enqueuer.enqueued) != 0 {
		t.Fatalf("rejected upload must not enqueue parsing")
	}
}

func TestGetResumeByIDEnforcesOwnership(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	owner := seedUser(t, db, "owner@example.com")
	intruder := seedUser(t, db, "intruder@example.com")
	storage := newFakeStorage()
	h := newUploadHandler(db, storage, &fakeEnqueuer{}, 5*1024*1024)

	store := resume.NewStore(db, nil)
	created, err := store.CreateVersion(context.Background(), owner.ID, resume.CreateInput{FileName: "cv.pdf"})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/v1/resume/1", nil)
	c.Params = gin.Params{{Key: "id", Value: fmt.Sprint(created.ID)}}
	c.Set("userID", intruder.ID)

	h.GetResumeByID(c)

	// 他人的版本必须表现得像不存在。
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d body=%s", w.Code, w.Body.String())
	}
}

func TestDeleteResumeRemovesStoredObject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	user := seedUser(t, db, "delete@example.com")
	storage := newFakeStorage()
	h := newUploadHandler(db, storage, &fakeEnqueuer{}, 5*1024*1024)

	store := resume.NewStore(db, nil)
	created, err := store.CreateVersion(context.Background(), user.ID, resume.CreateInput{
		FileName:  "cv.pdf",
		ObjectKey: "resumes/1/abc.pdf",
	})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodDelete, "/v1/resume/1", nil)
	c.Params = gin.Params{{Key: "id", Value: fmt.Sprint(created.ID)}}
	c.Set("userID", user.ID)

	h.DeleteResume(c)
	// 204 没有响应体，直接调用 handler 时需要手动刷出状态码。
	c.Writer.WriteHeaderNow()

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d body=%s", w.Code, w.Body.String())
	}
	if len(storage.deleted) != 1 || storage.deleted[0] != "resumes/1/abc.pdf" {
		t.Fatalf("expected object cleanup, got %v", storage.deleted)
	}
	var count int64
	db.Model(&database.Resume{}).Where("user_id = ?", user.ID).Count(&count)
	if count != 0 {
		t.Fatalf("expected version gone, %d rows remain", count)
	}
}
