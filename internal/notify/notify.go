// Package notify provides user notifications for autoloop.
package notify

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/autoloop/autoloop/internal/config"
	"github.com/autoloop/autoloop/internal/util"
)

// NotificationsFileName is the per-project notifications file.
const NotificationsFileName = "notifications.yaml"

// Notification is one user-facing notification.
type Notification struct {
	ID          string    `yaml:"id"`
	Type        string    `yaml:"type"`
	Title       string    `yaml:"title"`
	Message     string    `yaml:"message"`
	FeatureID   string    `yaml:"feature_id,omitempty"`
	ProjectPath string    `yaml:"project_path,omitempty"`
	Read        bool      `yaml:"read"`
	CreatedAt   time.Time `yaml:"created_at"`
}

// Service creates notifications. Faked in tests.
type Service interface {
	CreateNotification(n Notification) error
}

// FileService persists notifications to a per-project YAML file.
type FileService struct {
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileService creates a file-backed notification service.
func NewFileService(logger *slog.Logger) *FileService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileService{logger: logger}
}

func notificationsPath(projectPath string) string {
	return filepath.Join(projectPath, config.Dir, NotificationsFileName)
}

// CreateNotification appends a notification to the project's store.
func (s *FileService) CreateNotification(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	list, err := s.load(n.ProjectPath)
	if err != nil {
		return err
	}
	list = append(list, n)

	data, err := yaml.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal notifications: %w", err)
	}
	return util.AtomicWriteFile(notificationsPath(n.ProjectPath), data, 0644)
}

// List returns all notifications for a project, newest last.
func (s *FileService) List(projectPath string) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(projectPath)
}

// MarkRead marks a notification read.
func (s *FileService) MarkRead(projectPath, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.load(projectPath)
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].ID == id {
			list[i].Read = true
		}
	}
	data, err := yaml.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal notifications: %w", err)
	}
	return util.AtomicWriteFile(notificationsPath(projectPath), data, 0644)
}

func (s *FileService) load(projectPath string) ([]Notification, error) {
	data, err := os.ReadFile(notificationsPath(projectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read notifications: %w", err)
	}
	var list []Notification
	if err := yaml.Unmarshal(data, &list); err != nil {
		// A corrupted notifications file should not block new notifications.
		s.logger.Warn("notifications file corrupted, starting fresh", "error", err)
		return nil, nil
	}
	return list, nil
}

// NopService discards notifications.
type NopService struct{}

// CreateNotification does nothing.
func (NopService) CreateNotification(n Notification) error { return nil }
