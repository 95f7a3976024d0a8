package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opsmesh/conductor/core"
)

// Summarizer folds older transcript messages into a rolling summary.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, messages []Message) (string, error)
}

// EntityExtractor pulls durable facts out of recent conversation activity.
type EntityExtractor interface {
	Extract(ctx context.Context, userID string, messages []Message) ([]Entity, error)
}

const summarySystemPrompt = `You compress conversation history for a support orchestration system.
Produce a concise summary that preserves: user intents, ticket/case/incident
identifiers, decisions made, and unresolved items. Plain prose, no headers.`

// LLMSummarizer implements Summarizer on top of the model client.
type LLMSummarizer struct {
	llm    core.LLMClient
	logger core.Logger
}

// NewLLMSummarizer creates a model-backed summarizer.
func NewLLMSummarizer(llm core.LLMClient, logger core.Logger) *LLMSummarizer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &LLMSummarizer{llm: llm, logger: logger}
}

// Summarize merges the previous summary with the new messages.
func (s *LLMSummarizer) Summarize(ctx context.Context, previous string, messages []Message) (string, error) {
	var b strings.Builder
	if previous != "" {
		b.WriteString("Existing summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("New messages to fold in:\n")
	for _, m := range messages {
		author := string(m.Role)
		if m.Agent != "" {
			author = author + "/" + m.Agent
		}
		fmt.Fprintf(&b, "[%s] %s\n", author, m.Content)
	}

	resp, err := s.llm.Generate(ctx, b.String(), &core.LLMOptions{
		SystemPrompt: summarySystemPrompt,
		Temperature:  0.2,
	})
	if err != nil {
		return "", fmt.Errorf("conversation.Summarize: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

const extractSystemPrompt = `You extract durable entities from a support conversation.
Return only facts worth remembering across sessions: accounts, tickets,
incidents, systems, and stated user preferences.`

// entitySchema constrains the extractor output.
var entitySchema = []byte(`{
  "type": "object",
  "properties": {
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "type": {"type": "string"},
          "key": {"type": "string"},
          "data": {"type": "object"}
        },
        "required": ["type", "key", "data"],
        "additionalProperties": false
      }
    }
  },
  "required": ["entities"],
  "additionalProperties": false
}`)

// LLMEntityExtractor implements EntityExtractor with schema-constrained
// generation.
type LLMEntityExtractor struct {
	llm    core.LLMClient
	logger core.Logger
}

// NewLLMEntityExtractor creates a model-backed extractor.
func NewLLMEntityExtractor(llm core.LLMClient, logger core.Logger) *LLMEntityExtractor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &LLMEntityExtractor{llm: llm, logger: logger}
}

func (e *LLMEntityExtractor) Extract(ctx context.Context, userID string, messages []Message) ([]Entity, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "User: %s\nRecent activity:\n", userID)
	for _, m := range messages {
		author := string(m.Role)
		if m.Agent != "" {
			author = author + "/" + m.Agent
		}
		fmt.Fprintf(&b, "[%s] %s\n", author, m.Content)
	}

	raw, err := e.llm.GenerateStructured(ctx, b.String(), "extracted_entities", entitySchema, &core.LLMOptions{
		SystemPrompt: extractSystemPrompt,
		Temperature:  0,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation.Extract: %w", err)
	}

	var parsed struct {
		Entities []struct {
			Type string          `json:"type"`
			Key  string          `json:"key"`
			Data json.RawMessage `json:"data"`
		} `json:"entities"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("conversation.Extract: malformed model output: %w", core.ErrProtocol)
	}

	now := time.Now().UTC()
	entities := make([]Entity, 0, len(parsed.Entities))
	for _, pe := range parsed.Entities {
		if pe.Type == "" || pe.Key == "" {
			continue
		}
		entities = append(entities, Entity{
			Type:        pe.Type,
			Key:         pe.Key,
			Data:        pe.Data,
			ExtractedAt: now,
		})
	}
	return entities, nil
}

// ManagerConfig configures the background memory manager.
type ManagerConfig struct {
	// SummaryThreshold triggers summarization once the transcript holds more
	// than this many messages. Default 20.
	SummaryThreshold int
	// ExtractionThreshold triggers entity extraction after this many agent
	// task completions. Default 8.
	ExtractionThreshold int
	// KeepRecent messages stay verbatim after summarization. Default 10.
	KeepRecent int
	// OpTimeout bounds each background model call. Default 60s.
	OpTimeout time.Duration
	Logger    core.Logger
}

// MemoryManager watches thread activity and runs summarization and entity
// extraction in the background. Failures are logged and retried on the next
// trigger; they never affect the foreground request path.
type MemoryManager struct {
	store      *FileStore
	memory     EntityMemory
	summarizer Summarizer
	extractor  EntityExtractor
	config     ManagerConfig
	logger     core.Logger

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// NewMemoryManager wires the manager. Summarizer and extractor may be nil to
// disable the corresponding maintenance pass.
func NewMemoryManager(store *FileStore, memory EntityMemory, summarizer Summarizer, extractor EntityExtractor, config ManagerConfig) *MemoryManager {
	if config.SummaryThreshold <= 0 {
		config.SummaryThreshold = 20
	}
	if config.ExtractionThreshold <= 0 {
		config.ExtractionThreshold = 8
	}
	if config.KeepRecent <= 0 {
		config.KeepRecent = 10
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 60 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	return &MemoryManager{
		store:      store,
		memory:     memory,
		summarizer: summarizer,
		extractor:  extractor,
		config:     config,
		logger:     config.Logger,
		inflight:   make(map[string]bool),
	}
}

// Observe inspects a thread after a mutation and schedules maintenance when
// thresholds are crossed. Non-blocking.
func (m *MemoryManager) Observe(state *ThreadState) {
	needsSummary := m.summarizer != nil && len(state.Messages) > m.config.SummaryThreshold
	needsExtract := m.extractor != nil && m.memory != nil &&
		state.ToolCallsSinceExtraction >= m.config.ExtractionThreshold

	if !needsSummary && !needsExtract {
		return
	}

	m.mu.Lock()
	if m.inflight[state.ThreadID] {
		m.mu.Unlock()
		return
	}
	m.inflight[state.ThreadID] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func(threadID string, doSummary, doExtract bool) {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.inflight, threadID)
			m.mu.Unlock()
		}()

		if doSummary {
			m.runSummarization(threadID)
		}
		if doExtract {
			m.runExtraction(threadID)
		}
	}(state.ThreadID, needsSummary, needsExtract)
}

// Wait blocks until in-flight maintenance drains. For shutdown and tests.
func (m *MemoryManager) Wait() { m.wg.Wait() }

func (m *MemoryManager) runSummarization(threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.OpTimeout)
	defer cancel()

	state, err := m.store.Load(threadID)
	if err != nil {
		m.logger.Warn("Summarization load failed", map[string]interface{}{
			"operation": "memory_summarize",
			"thread_id": threadID,
			"error":     err.Error(),
		})
		return
	}

	// Re-check under fresh state; another pass may have run meanwhile.
	if len(state.Messages) <= m.config.SummaryThreshold {
		return
	}

	previous := ""
	if state.Summary != nil {
		previous = state.Summary.Content
	}
	end := len(state.Messages) - m.config.KeepRecent
	if end <= 0 {
		return
	}
	batch := state.Messages[:end]

	content, err := m.summarizer.Summarize(ctx, previous, batch)
	if err != nil {
		m.logger.Warn("Summarization failed, will retry on next trigger", map[string]interface{}{
			"operation": "memory_summarize",
			"thread_id": threadID,
			"messages":  len(batch),
			"error":     err.Error(),
		})
		return
	}

	_, err = m.store.Mutate(threadID, "", false, func(s *ThreadState) error {
		// The transcript may have grown meanwhile. Messages are append-only,
		// so the first end entries are still exactly the ones folded above.
		if end > len(s.Messages) {
			end = len(s.Messages)
		}
		replaced := end
		if s.Summary != nil {
			replaced += s.Summary.ReplacedCount
		}
		s.Messages = append([]Message(nil), s.Messages[end:]...)
		s.Summary = &Summary{
			Content:       content,
			ReplacedCount: replaced,
			UpdatedAt:     time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		m.logger.Error("Failed to persist summary", map[string]interface{}{
			"operation": "memory_summarize",
			"thread_id": threadID,
			"error":     err.Error(),
		})
		return
	}

	m.logger.Info("Thread summarized", map[string]interface{}{
		"operation": "memory_summarize",
		"thread_id": threadID,
		"folded":    len(batch),
	})
}

func (m *MemoryManager) runExtraction(threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.OpTimeout)
	defer cancel()

	state, err := m.store.Load(threadID)
	if err != nil {
		m.logger.Warn("Extraction load failed", map[string]interface{}{
			"operation": "memory_extract",
			"thread_id": threadID,
			"error":     err.Error(),
		})
		return
	}
	if state.ToolCallsSinceExtraction < m.config.ExtractionThreshold {
		return
	}

	recent := state.RecentMessages(2 * m.config.SummaryThreshold)
	entities, err := m.extractor.Extract(ctx, state.UserID, recent)
	if err != nil {
		m.logger.Warn("Entity extraction failed, will retry on next trigger", map[string]interface{}{
			"operation": "memory_extract",
			"thread_id": threadID,
			"error":     err.Error(),
		})
		return
	}

	if len(entities) > 0 {
		if err := m.memory.Upsert(ctx, state.UserID, entities); err != nil {
			m.logger.Warn("Entity memory write failed", map[string]interface{}{
				"operation": "memory_extract",
				"thread_id": threadID,
				"entities":  len(entities),
				"error":     err.Error(),
			})
			return
		}
	}

	_, err = m.store.Mutate(threadID, "", false, func(s *ThreadState) error {
		s.ToolCallsSinceExtraction = 0
		return nil
	})
	if err != nil {
		m.logger.Error("Failed to reset extraction counter", map[string]interface{}{
			"operation": "memory_extract",
			"thread_id": threadID,
			"error":     err.Error(),
		})
		return
	}

	m.logger.Info("Entities extracted", map[string]interface{}{
		"operation": "memory_extract",
		"thread_id": threadID,
		"entities":  len(entities),
	})
}
