// Package tasks intercepts trigger-prefixed user messages and executes
// locally defined tasks instead of forwarding them upstream.
package tasks

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Task kinds.
const (
	KindShell    = "shell"
	KindHTTP     = "http"
	KindFileRead = "file_read"
)

// Task is one custom task definition.
type Task struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Kind        string            `yaml:"kind"`
	// shell
	Command    string            `yaml:"command"`
	WorkingDir string            `yaml:"working_dir"`
	Env        map[string]string `yaml:"env"`
	// http
	URL    string `yaml:"url"`
	Method string `yaml:"method"`
	// file_read
	FilePath string `yaml:"file_path"`
}

type taskFile struct {
	Tasks []Task `yaml:"tasks"`
}

// Set holds the current task definitions, reloadable at runtime.
type Set struct {
	path string

	mu    sync.RWMutex
	tasks map[string]Task
	order []string
}

// NewSet creates a set backed by the given definitions file and performs
// an initial load. A missing file yields an empty set.
func NewSet(path string) *Set {
	s := &Set{path: path, tasks: make(map[string]Task)}
	if err := s.Reload(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("task definitions not loaded")
	}
	return s
}

// Path returns the definitions file path.
func (s *Set) Path() string { return s.path }

// Reload re-reads the definitions file. On any error the previous
// definitions are kept.
func (s *Set) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.tasks = make(map[string]Task)
			s.order = nil
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read tasks file: %w", err)
	}

	var file taskFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse tasks file: %w", err)
	}

	tasks := make(map[string]Task, len(file.Tasks))
	var order []string
	for _, t := range file.Tasks {
		if t.Name == "" {
			return fmt.Errorf("task with empty name in %s", s.path)
		}
		if err := validateTask(t); err != nil {
			return fmt.Errorf("task %q: %w", t.Name, err)
		}
		if _, dup := tasks[t.Name]; dup {
			return fmt.Errorf("duplicate task name %q", t.Name)
		}
		tasks[t.Name] = t
		order = append(order, t.Name)
	}

	s.mu.Lock()
	s.tasks = tasks
	s.order = order
	s.mu.Unlock()
	log.Info().Int("count", len(order)).Msg("task definitions loaded")
	return nil
}

func validateTask(t Task) error {
	switch t.Kind {
	case KindShell:
		if t.Command == "" {
			return fmt.Errorf("shell task requires command")
		}
	case KindHTTP:
		if t.URL == "" {
			return fmt.Errorf("http task requires url")
		}
	case KindFileRead:
		if t.FilePath == "" {
			return fmt.Errorf("file_read task requires file_path")
		}
	default:
		return fmt.Errorf("unknown kind %q", t.Kind)
	}
	return nil
}

// Get looks up a task by name.
func (s *Set) Get(name string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[name]
	return t, ok
}

// List returns tasks in file order.
func (s *Set) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tasks[name])
	}
	return out
}
