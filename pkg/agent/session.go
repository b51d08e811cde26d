package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/bus"
	"github.com/opal-dev/opal/pkg/skills"
	"github.com/opal-dev/opal/pkg/tools"
)

// ParentLink identifies the parent of a sub-agent session.
type ParentLink struct {
	ParentSessionID string `json:"parent_session_id"`
	ParentCallID    string `json:"parent_call_id"`
}

// SessionMeta is the persisted session metadata.
type SessionMeta struct {
	Title     string    `json:"title,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Saver persists sessions. Implemented by pkg/store; nil disables
// persistence (ephemeral sessions, sub-agents).
type Saver interface {
	CreateSession(id string, meta SessionMeta) error
	AppendMessage(id string, m ai.Message) error
	SaveMeta(id string, meta SessionMeta) error
}

// SubAgentRecord describes a live or finished sub-agent, for UIs.
type SubAgentRecord struct {
	SessionID    string    `json:"session_id"`
	ParentCallID string    `json:"parent_call_id"`
	Label        string    `json:"label"`
	Model        string    `json:"model"`
	Tools        []string  `json:"tools"`
	StartedAt    time.Time `json:"started_at"`
	ToolCount    int       `json:"tool_count"`
	IsRunning    bool      `json:"is_running"`
}

// SessionOptions configures a new session.
type SessionOptions struct {
	WorkingDir   string
	Model        ai.Model
	Provider     ai.Provider
	SystemPrompt string // empty = built from working dir, tools, skills
	Persist      bool
	Parent       *ParentLink
	Config       *FileConfig
	Asker        tools.Asker
	Skills       []skills.Skill
	ContextFiles []string
	Engine       EngineConfig
}

// Session is one conversation: its log, engine, tool registry snapshot,
// event bus, and sub-agents.
type Session struct {
	ID         string
	WorkingDir string
	CreatedAt  time.Time
	Parent     *ParentLink

	Log      *MessageLog
	Bus      *bus.Bus[Event]
	Registry *tools.Registry

	sup       *Supervisor
	runner    *tools.Runner
	provider  ai.Provider
	asker     tools.Asker
	cfg       *FileConfig
	skills    []skills.Skill
	ctxFiles  []string
	persist   bool
	logger    *slog.Logger
	engineCfg EngineConfig

	mu        sync.Mutex
	engine    *Engine
	model     ai.Model
	title     string
	sysPrompt string // explicit override; empty = derived
	closed    bool

	subMu     sync.Mutex
	subAgents map[string]*SubAgentRecord
}

// ---------------------------------------------------------------------------
// Supervisor
// ---------------------------------------------------------------------------

// Supervisor owns every session in the process. One session crashing never
// affects its siblings; a crashed turn engine is replaced in place and the
// session announces agent_recovered.
type Supervisor struct {
	mu       sync.Mutex
	sessions map[string]*Session

	registry *tools.Registry
	saver    Saver
	logger   *slog.Logger

	// allBus is the process-wide debug firehose (subscribe_all).
	allBus *bus.Bus[Event]
}

func NewSupervisor(registry *tools.Registry, saver Saver, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Supervisor{
		sessions: map[string]*Session{},
		registry: registry,
		saver:    saver,
		logger:   logger,
		allBus:   bus.New[Event](laggedEvent),
	}
}

func laggedEvent(dropped int) Event {
	return Event{Type: EventLagged, Dropped: dropped}
}

// StartSession creates and registers a new session.
func (sup *Supervisor) StartSession(opts SessionOptions) (*Session, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("session: provider is required")
	}
	if opts.Model.ID == "" {
		return nil, fmt.Errorf("session: model is required")
	}

	s := &Session{
		ID:         uuid.NewString(),
		WorkingDir: opts.WorkingDir,
		CreatedAt:  time.Now(),
		Parent:     opts.Parent,
		Log:        NewMessageLog(),
		Bus:        bus.New[Event](laggedEvent),
		Registry:   sup.buildRegistry(opts),
		sup:        sup,
		runner:     tools.NewRunner(sup.logger),
		provider:   opts.Provider,
		asker:      opts.Asker,
		cfg:        opts.Config,
		skills:     opts.Skills,
		ctxFiles:   opts.ContextFiles,
		persist:    opts.Persist && sup.saver != nil,
		logger:     sup.logger,
		engineCfg:  opts.Engine,
		model:      opts.Model,
		sysPrompt:  opts.SystemPrompt,
		subAgents:  map[string]*SubAgentRecord{},
	}

	if s.persist {
		if err := sup.saver.CreateSession(s.ID, s.Meta()); err != nil {
			return nil, fmt.Errorf("session: create persistence: %w", err)
		}
		s.Log.OnAppend(func(m ai.Message) {
			if err := sup.saver.AppendMessage(s.ID, m); err != nil {
				sup.logger.Warn("persist message failed", "session", s.ID, "err", err)
			}
		})
	}

	s.engine = newEngine(s.engineCfg, s.engineDeps())

	if s.Parent == nil {
		s.Registry.RegisterOrReplace(newSubAgentTool(s))
	}

	sup.mu.Lock()
	sup.sessions[s.ID] = s
	sup.mu.Unlock()

	// Mirror the session's events onto the firehose.
	go func() {
		ch, cancel := s.Bus.Subscribe(0)
		defer cancel()
		for ev := range ch {
			sup.allBus.Publish(ev)
		}
	}()

	if len(s.ctxFiles) > 0 {
		s.Bus.Publish(Event{Type: EventContextDiscovered, SessionID: s.ID, Files: s.ctxFiles})
	}
	for _, sk := range s.skills {
		s.Bus.Publish(Event{Type: EventSkillLoaded, SessionID: s.ID, Name: sk.Name, Desc: sk.Description})
	}

	return s, nil
}

// buildRegistry snapshots the global registry for a session and applies
// sub-agent gating: children lose sub_agent and ask_user.
func (sup *Supervisor) buildRegistry(opts SessionOptions) *tools.Registry {
	reg := sup.registry.Clone()
	if opts.Parent != nil {
		reg.Remove("sub_agent")
		reg.Remove("ask_user")
	}
	return reg
}

// Get returns a session by id.
func (sup *Supervisor) Get(id string) (*Session, bool) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	s, ok := sup.sessions[id]
	return s, ok
}

// Close tears down one session and its sub-agents.
func (sup *Supervisor) Close(id string) bool {
	sup.mu.Lock()
	s, ok := sup.sessions[id]
	delete(sup.sessions, id)
	sup.mu.Unlock()
	if !ok {
		return false
	}
	s.shutdown()
	return true
}

// CloseAll tears down every session (process shutdown).
func (sup *Supervisor) CloseAll() {
	sup.mu.Lock()
	all := make([]*Session, 0, len(sup.sessions))
	for _, s := range sup.sessions {
		all = append(all, s)
	}
	sup.sessions = map[string]*Session{}
	sup.mu.Unlock()
	for _, s := range all {
		s.shutdown()
	}
	sup.allBus.Close()
}

// SubscribeAll attaches to the process-wide event firehose.
func (sup *Supervisor) SubscribeAll(queueSize int) (<-chan Event, func()) {
	return sup.allBus.Subscribe(queueSize)
}

// ---------------------------------------------------------------------------
// Session API
// ---------------------------------------------------------------------------

func (s *Session) engineDeps() engineDeps {
	return engineDeps{
		sessionID:    s.ID,
		workingDir:   s.WorkingDir,
		log:          s.Log,
		bus:          s.Bus,
		provider:     s.Provider,
		model:        s.Model,
		systemPrompt: s.SystemPrompt,
		activeTools:  s.ActiveTools,
		runner:       s.runner,
		asker:        s.asker,
		logger:       s.logger,
		loadSkill:    s.loadSkill,
		onTurnEnd:    s.onTurnEnd,
		onCrash:      s.onEngineCrash,
	}
}

// Engine returns the live turn engine. The pointer changes after a crash
// restart; callers should not cache it across turns.
func (s *Session) Engine() *Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

func (s *Session) Prompt(text string) error { return s.Engine().Prompt(text) }
func (s *Session) Steer(text string)        { s.Engine().Steer(text) }
func (s *Session) Abort()                   { s.Engine().Abort() }
func (s *Session) Status() Status           { return s.Engine().Status() }

// Subscribe attaches to this session's event stream.
func (s *Session) Subscribe(queueSize int) (<-chan Event, func()) {
	return s.Bus.Subscribe(queueSize)
}

// Model returns the active model descriptor.
func (s *Session) Model() ai.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Provider returns the active provider. The engine reads it through this
// accessor so a concurrent SetModel is safe.
func (s *Session) Provider() ai.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

// SetModel switches the active model (and provider when given). The change
// applies from the next provider call.
func (s *Session) SetModel(m ai.Model, provider ai.Provider) {
	s.mu.Lock()
	s.model = m
	if provider != nil {
		s.provider = provider
	}
	s.mu.Unlock()
	s.saveMeta()
}

// SetThinking replaces the model descriptor with one at the given level.
func (s *Session) SetThinking(level ai.ThinkingLevel) {
	s.mu.Lock()
	m := s.model
	m.Thinking = level
	s.model = m
	s.mu.Unlock()
}

func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

func (s *Session) Meta() SessionMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionMeta{
		Title:     s.title,
		Model:     s.model.String(),
		CreatedAt: s.CreatedAt,
		UpdatedAt: time.Now(),
	}
}

// ActiveTools resolves the active tool set: the session registry minus
// config-disabled tools, minus use_skill when no skills are available.
func (s *Session) ActiveTools() []tools.Tool {
	var disabled []string
	if s.cfg != nil {
		disabled = append(disabled, s.cfg.Tools.Disabled...)
		if s.cfg.SubAgents.Disabled {
			disabled = append(disabled, "sub_agent")
		}
	}
	if len(s.skills) == 0 {
		disabled = append(disabled, "use_skill")
	}
	return s.Registry.Active(disabled)
}

// SystemPrompt returns the explicit prompt override or builds the default.
func (s *Session) SystemPrompt() string {
	s.mu.Lock()
	explicit := s.sysPrompt
	s.mu.Unlock()
	if explicit != "" {
		return explicit
	}
	return BuildSystemPrompt(s.WorkingDir, s.ActiveTools(), s.skills, s.ctxFiles)
}

// Skills returns the session's discovered skills.
func (s *Session) Skills() []skills.Skill { return s.skills }

func (s *Session) loadSkill(name string) (string, string, error) {
	for _, sk := range s.skills {
		if sk.Name == name {
			instructions, err := skills.LoadInstructions(sk.FilePath)
			if err != nil {
				return "", "", err
			}
			return instructions, sk.Description, nil
		}
	}
	return "", "", fmt.Errorf("skill %q not found", name)
}

// onTurnEnd persists progress and kicks off auto-titling.
func (s *Session) onTurnEnd(TokenUsage) {
	s.saveMeta()
	s.mu.Lock()
	needTitle := s.title == "" && !s.closed
	s.mu.Unlock()
	if needTitle && s.Log.Len() >= 2 {
		go s.autoTitle()
	}
}

// autoTitle asks the provider for a short session title. Failures are
// silent; a missing title is cosmetic.
func (s *Session) autoTitle() {
	var firstUser string
	for _, m := range s.Log.Snapshot() {
		if u, ok := m.(ai.UserMessage); ok {
			firstUser = u.Text()
			break
		}
	}
	if firstUser == "" {
		return
	}
	if len(firstUser) > 500 {
		firstUser = firstUser[:500]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	prompt := fmt.Sprintf(
		"Write a 3-6 word title for a conversation that starts with the message below. Respond with the title only, no quotes.\n\n%s",
		firstUser)
	llmCtx := ai.Context{Messages: []ai.Message{ai.UserText(prompt)}}

	s.mu.Lock()
	provider, model := s.provider, s.model
	s.mu.Unlock()

	_, wait := provider.Stream(ctx, model, llmCtx, ai.StreamOptions{MaxTokens: 32, Thinking: ai.ThinkingOff})
	msg, err := wait()
	if err != nil || msg == nil {
		return
	}
	title := strings.TrimSpace(msg.Text())
	if title == "" || msg.StopReason == ai.StopReasonError {
		return
	}

	s.mu.Lock()
	if s.title == "" {
		s.title = title
	}
	s.mu.Unlock()
	s.saveMeta()
}

func (s *Session) saveMeta() {
	if !s.persist {
		return
	}
	if err := s.sup.saver.SaveMeta(s.ID, s.Meta()); err != nil {
		s.logger.Warn("persist meta failed", "session", s.ID, "err", err)
	}
}

// onEngineCrash replaces the crashed engine with a fresh one reading the
// same log, then announces the restart. No partial assistant message
// survives; the engine never appended one.
func (s *Session) onEngineCrash(p any) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.engine = newEngine(s.engineCfg, s.engineDeps())
	s.mu.Unlock()
	s.Bus.Publish(Event{Type: EventAgentRecovered, SessionID: s.ID, Reason: fmt.Sprintf("%v", p)})
}

// SubAgents lists this session's sub-agent records.
func (s *Session) SubAgents() []SubAgentRecord {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	out := make([]SubAgentRecord, 0, len(s.subAgents))
	for _, r := range s.subAgents {
		out = append(out, *r)
	}
	return out
}

// shutdown tears the session tree down: stream, tool tasks, sub-agents.
func (s *Session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	engine := s.engine
	s.mu.Unlock()

	engine.Abort()
	s.runner.Shutdown()

	s.subMu.Lock()
	subIDs := make([]string, 0, len(s.subAgents))
	for id := range s.subAgents {
		subIDs = append(subIDs, id)
	}
	s.subMu.Unlock()
	for _, id := range subIDs {
		s.sup.Close(id)
	}

	s.Bus.Close()
}
