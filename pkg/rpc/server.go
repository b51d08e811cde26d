package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opal-dev/opal/pkg/agent"
	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/ai/models"
	"github.com/opal-dev/opal/pkg/skills"
	"github.com/opal-dev/opal/pkg/store"
	"github.com/opal-dev/opal/pkg/tools"
)

// maxLineBytes bounds one JSON-RPC frame. Prompts with pasted files can get
// large; 16 MB matches the message store's read limit.
const maxLineBytes = 16 * 1024 * 1024

// ProviderResolver builds (or returns a cached) provider adapter for a
// provider tag such as "anthropic" or "bedrock".
type ProviderResolver func(name string) (ai.Provider, error)

// Options wires the facade to the rest of the process.
type Options struct {
	Supervisor *agent.Supervisor
	Resolver   ProviderResolver

	// Store persists sessions, settings, and credentials. Nil runs the
	// server fully ephemeral (settings/auth methods then fail).
	Store *store.Store

	// Config is the loaded file config, nil when no config file was given.
	// ConfigPath, when set, lets opal/config/set write changes back.
	Config     *agent.FileConfig
	ConfigPath string

	// DefaultModel is used when neither the request nor settings name one.
	DefaultModel ai.Model

	WorkingDir string
	NodeName   string
	Version    string
	Logger     *slog.Logger
}

// Server is one JSON-RPC connection: the read loop, the write half, the
// sessions this client owns, and the in-flight server→client requests.
// It implements tools.Asker so tool tasks can question the client.
type Server struct {
	opts   Options
	logger *slog.Logger

	writeMu sync.Mutex
	out     io.Writer

	cfgMu sync.Mutex
	cfg   *agent.FileConfig

	askSeq  atomic.Int64
	pendMu  sync.Mutex
	pending map[string]chan askReply

	sessMu sync.Mutex
	owned  map[string]func() // session id -> unsubscribe

	loginMu sync.Mutex
	logins  map[string]string // login id -> provider
}

type askReply struct {
	result json.RawMessage
	err    *Error
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		opts:    opts,
		logger:  logger,
		cfg:     opts.Config,
		pending: map[string]chan askReply{},
		owned:   map[string]func(){},
		logins:  map[string]string{},
	}
}

// Serve runs the read loop until in is exhausted or fails. Requests are
// handled concurrently so a tool blocked on client/ask_user never stalls
// the loop. A scanner failure is a transport error; clean EOF returns nil.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.writeMu.Lock()
	s.out = out
	s.writeMu.Unlock()

	defer s.detachAll()

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		s.processLine(ctx, append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("rpc: transport read: %w", err)
	}
	return nil
}

// processLine classifies one frame: a request or notification from the
// client, or the client's response to an s2c request.
func (s *Server) processLine(ctx context.Context, line []byte) {
	var frame struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *Error          `json:"error"`
	}
	if err := json.Unmarshal(line, &frame); err != nil {
		s.write(newErrorResponse(nil, Errorf(CodeParseError, "parse error: %v", err)))
		return
	}

	if frame.Method != "" {
		req := Request{JSONRPC: frame.JSONRPC, ID: frame.ID, Method: frame.Method, Params: frame.Params}
		go s.handleRequest(ctx, req)
		return
	}

	// Response to a server→client request.
	id, ok := frame.ID.(string)
	if !ok {
		s.write(newErrorResponse(frame.ID, Errorf(CodeInvalidRequest, "expected a method or an s2c response id")))
		return
	}
	s.pendMu.Lock()
	ch := s.pending[id]
	delete(s.pending, id)
	s.pendMu.Unlock()
	if ch == nil {
		s.logger.Warn("response for unknown s2c id", "id", id)
		return
	}
	ch <- askReply{result: frame.Result, err: frame.Error}
}

func (s *Server) handleRequest(ctx context.Context, req Request) {
	result, rpcErr := s.dispatch(ctx, req.Method, req.Params)
	if req.ID == nil {
		// Client notification; nothing to answer.
		return
	}
	if rpcErr != nil {
		s.write(newErrorResponse(req.ID, rpcErr))
		return
	}
	s.write(newResponse(req.ID, result))
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *Error) {
	switch method {
	case "opal/ping":
		return map[string]any{"pong": true}, nil
	case "opal/version":
		return map[string]any{"version": s.opts.Version, "node_name": s.opts.NodeName}, nil
	case "session/start":
		return s.handleSessionStart(params)
	case "session/close":
		return s.handleSessionClose(params)
	case "agent/prompt":
		return s.handlePrompt(params)
	case "agent/abort":
		return s.handleAbort(params)
	case "agent/state":
		return s.handleState(params)
	case "session/compact":
		return s.handleCompact(ctx, params)
	case "models/list":
		return map[string]any{"models": models.All()}, nil
	case "model/set":
		return s.handleModelSet(params)
	case "thinking/set":
		return s.handleThinkingSet(params)
	case "settings/get":
		return s.handleSettingsGet()
	case "settings/save":
		return s.handleSettingsSave(params)
	case "opal/config/get":
		return s.handleConfigGet()
	case "opal/config/set":
		return s.handleConfigSet(params)
	case "auth/status":
		return s.authBlock(), nil
	case "auth/login":
		return s.handleAuthLogin(params)
	case "auth/poll":
		return s.handleAuthPoll(params)
	case "auth/set_key":
		return s.handleAuthSetKey(params)
	default:
		return nil, Errorf(CodeMethodNotFound, "method not found: %s", method)
	}
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

type startParams struct {
	Session      bool   `json:"session"`
	WorkingDir   string `json:"working_dir"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	Thinking     string `json:"thinking"`
}

func (s *Server) handleSessionStart(params json.RawMessage) (any, *Error) {
	p, perr := decode[startParams](params)
	if perr != nil {
		return nil, perr
	}

	cwd := p.WorkingDir
	if cwd == "" {
		cwd = s.opts.WorkingDir
	}
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	model, merr := s.resolveModel(p.Model)
	if merr != nil {
		return nil, merr
	}
	if p.Thinking != "" {
		model.Thinking = ai.ThinkingLevel(p.Thinking)
	} else if cfg := s.config(); cfg != nil {
		model.Thinking = cfg.ThinkingLevelValue()
	}

	provider, err := s.provider(model.Provider)
	if err != nil {
		return nil, Errorf(CodeServerError, "provider %s: %v", model.Provider, err)
	}

	cfg := s.config()
	sessionSkills := skills.Discover(cwd)
	ctxFiles := agent.DiscoverContextFiles(cwd)

	sysPrompt := p.SystemPrompt
	if sysPrompt == "" && cfg != nil {
		sysPrompt = cfg.SystemPrompt
	}

	sess, err := s.opts.Supervisor.StartSession(agent.SessionOptions{
		WorkingDir:   cwd,
		Model:        model,
		Provider:     provider,
		SystemPrompt: sysPrompt,
		Persist:      p.Session,
		Config:       cfg,
		Asker:        s,
		Skills:       sessionSkills,
		ContextFiles: ctxFiles,
		Engine:       cfg.EngineConfig(),
	})
	if err != nil {
		return nil, Errorf(CodeServerError, "session start: %v", err)
	}

	s.attach(sess)

	sessionDir := ""
	if p.Session && s.opts.Store != nil {
		sessionDir = s.opts.Store.SessionDir(sess.ID)
	}
	skillNames := make([]string, 0, len(sessionSkills))
	for _, sk := range sessionSkills {
		skillNames = append(skillNames, sk.Name)
	}
	if ctxFiles == nil {
		ctxFiles = []string{}
	}

	return map[string]any{
		"session_id":       sess.ID,
		"session_dir":      sessionDir,
		"context_files":    ctxFiles,
		"available_skills": skillNames,
		"mcp_servers":      []string{},
		"node_name":        s.opts.NodeName,
		"auth":             s.authBlock(),
	}, nil
}

type sessionParams struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleSessionClose(params json.RawMessage) (any, *Error) {
	p, perr := decode[sessionParams](params)
	if perr != nil {
		return nil, perr
	}

	s.sessMu.Lock()
	if cancel := s.owned[p.SessionID]; cancel != nil {
		cancel()
		delete(s.owned, p.SessionID)
	}
	s.sessMu.Unlock()

	if !s.opts.Supervisor.Close(p.SessionID) {
		return nil, Errorf(CodeServerError, "session not found: %s", p.SessionID)
	}
	return map[string]any{"closed": true}, nil
}

// attach auto-subscribes this client to a session it owns, forwarding every
// bus event as an agent/event notification.
func (s *Server) attach(sess *agent.Session) {
	ch, cancel := sess.Subscribe(256)
	s.sessMu.Lock()
	s.owned[sess.ID] = cancel
	s.sessMu.Unlock()

	go func() {
		for ev := range ch {
			s.write(newNotification("agent/event", eventParams(ev)))
		}
	}()
}

func (s *Server) detachAll() {
	s.sessMu.Lock()
	cancels := make([]func(), 0, len(s.owned))
	for _, c := range s.owned {
		cancels = append(cancels, c)
	}
	s.owned = map[string]func(){}
	s.sessMu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// eventParams flattens a runtime event into the snake_case params map of an
// agent/event notification. session_id and type are always present.
func eventParams(ev agent.Event) map[string]any {
	data, err := json.Marshal(ev)
	if err != nil {
		return map[string]any{"type": string(ev.Type), "session_id": ev.SessionID}
	}
	var m map[string]any
	if json.Unmarshal(data, &m) != nil || m == nil {
		m = map[string]any{}
	}
	m["type"] = string(ev.Type)
	if _, ok := m["session_id"]; !ok {
		m["session_id"] = ev.SessionID
	}
	return m
}

// ---------------------------------------------------------------------------
// Agent control
// ---------------------------------------------------------------------------

type promptParams struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// handlePrompt starts a turn, or steers the running one. There is no
// separate steer method: prompting a busy session queues the text for the
// between-tools drain.
func (s *Server) handlePrompt(params json.RawMessage) (any, *Error) {
	p, perr := decode[promptParams](params)
	if perr != nil {
		return nil, perr
	}
	if p.Text == "" {
		return nil, Errorf(CodeInvalidParams, "text is required")
	}
	sess, serr := s.session(p.SessionID)
	if serr != nil {
		return nil, serr
	}

	queued := false
	if err := sess.Prompt(p.Text); err != nil {
		if !errors.Is(err, agent.ErrBusy) {
			return nil, Errorf(CodeServerError, "prompt: %v", err)
		}
		sess.Steer(p.Text)
		queued = true
	}
	return map[string]any{"status": string(sess.Status()), "queued": queued}, nil
}

func (s *Server) handleAbort(params json.RawMessage) (any, *Error) {
	p, perr := decode[sessionParams](params)
	if perr != nil {
		return nil, perr
	}
	sess, serr := s.session(p.SessionID)
	if serr != nil {
		return nil, serr
	}
	sess.Abort()
	return map[string]any{"status": string(sess.Status())}, nil
}

func (s *Server) handleState(params json.RawMessage) (any, *Error) {
	p, perr := decode[sessionParams](params)
	if perr != nil {
		return nil, perr
	}
	sess, serr := s.session(p.SessionID)
	if serr != nil {
		return nil, serr
	}
	usage := sess.Engine().Usage()
	return map[string]any{
		"status":        string(sess.Status()),
		"model":         sess.Model().String(),
		"title":         sess.Title(),
		"usage":         usage,
		"message_count": sess.Log.Len(),
		"sub_agents":    sess.SubAgents(),
	}, nil
}

func (s *Server) handleCompact(ctx context.Context, params json.RawMessage) (any, *Error) {
	p, perr := decode[sessionParams](params)
	if perr != nil {
		return nil, perr
	}
	sess, serr := s.session(p.SessionID)
	if serr != nil {
		return nil, serr
	}
	if err := sess.Engine().Compact(ctx); err != nil {
		return nil, Errorf(CodeServerError, "compact: %v", err)
	}
	return map[string]any{"compacted": true}, nil
}

// ---------------------------------------------------------------------------
// Model and thinking
// ---------------------------------------------------------------------------

type modelSetParams struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

func (s *Server) handleModelSet(params json.RawMessage) (any, *Error) {
	p, perr := decode[modelSetParams](params)
	if perr != nil {
		return nil, perr
	}
	sess, serr := s.session(p.SessionID)
	if serr != nil {
		return nil, serr
	}
	model, merr := s.resolveModel(p.Model)
	if merr != nil {
		return nil, merr
	}
	model.Thinking = sess.Model().Thinking

	var provider ai.Provider
	if model.Provider != sess.Model().Provider {
		p, err := s.provider(model.Provider)
		if err != nil {
			return nil, Errorf(CodeServerError, "provider %s: %v", model.Provider, err)
		}
		provider = p
	}
	sess.SetModel(model, provider)
	return map[string]any{"model": model.String()}, nil
}

type thinkingParams struct {
	SessionID string `json:"session_id"`
	Level     string `json:"level"`
}

func (s *Server) handleThinkingSet(params json.RawMessage) (any, *Error) {
	p, perr := decode[thinkingParams](params)
	if perr != nil {
		return nil, perr
	}
	sess, serr := s.session(p.SessionID)
	if serr != nil {
		return nil, serr
	}
	switch ai.ThinkingLevel(p.Level) {
	case ai.ThinkingOff, ai.ThinkingLow, ai.ThinkingMedium, ai.ThinkingHigh:
	default:
		return nil, Errorf(CodeInvalidParams, "unknown thinking level: %q", p.Level)
	}
	sess.SetThinking(ai.ThinkingLevel(p.Level))
	return map[string]any{"level": p.Level}, nil
}

// ---------------------------------------------------------------------------
// Settings and config
// ---------------------------------------------------------------------------

func (s *Server) handleSettingsGet() (any, *Error) {
	if s.opts.Store == nil {
		return nil, Errorf(CodeServerError, "no data directory configured")
	}
	settings, err := s.opts.Store.LoadSettings()
	if err != nil {
		return nil, Errorf(CodeServerError, "settings: %v", err)
	}
	return settings, nil
}

func (s *Server) handleSettingsSave(params json.RawMessage) (any, *Error) {
	if s.opts.Store == nil {
		return nil, Errorf(CodeServerError, "no data directory configured")
	}
	settings, perr := decode[store.Settings](params)
	if perr != nil {
		return nil, perr
	}
	if err := s.opts.Store.SaveSettings(settings); err != nil {
		return nil, Errorf(CodeServerError, "settings: %v", err)
	}
	return settings, nil
}

func (s *Server) handleConfigGet() (any, *Error) {
	cfg := s.config()
	if cfg == nil {
		return map[string]any{}, nil
	}
	return cfg, nil
}

// handleConfigSet merges a partial config object over the current one and,
// when a config path is known, writes it back to disk.
func (s *Server) handleConfigSet(params json.RawMessage) (any, *Error) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	next := agent.FileConfig{}
	if s.cfg != nil {
		next = *s.cfg
	}
	if err := json.Unmarshal(params, &next); err != nil {
		return nil, Errorf(CodeInvalidParams, "invalid config: %v", err)
	}
	s.cfg = &next

	if s.opts.ConfigPath != "" {
		if err := agent.SaveFileConfig(s.opts.ConfigPath, &next); err != nil {
			return nil, Errorf(CodeServerError, "config save: %v", err)
		}
	}
	return &next, nil
}

func (s *Server) config() *agent.FileConfig {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

// authBlock reports per-provider credential presence. Bedrock counts as
// configured because the AWS SDK resolves its own credential chain.
func (s *Server) authBlock() map[string]any {
	active := s.opts.DefaultModel.Provider
	if cfg := s.config(); cfg != nil && cfg.Provider != "" {
		active = cfg.Provider
	}

	providers := map[string]any{}
	names := providerTags()
	for _, name := range names {
		configured, source := s.credential(name)
		providers[name] = map[string]any{"configured": configured, "source": source}
	}

	status := "missing"
	if active == "" {
		status = "unconfigured"
	} else if ok, _ := s.credential(active); ok {
		status = "ok"
	}
	return map[string]any{"provider": active, "providers": providers, "status": status}
}

// credential reports whether a usable credential exists for provider and
// where it came from: config file, environment, or the stored auth.json.
func (s *Server) credential(provider string) (bool, string) {
	if provider == "bedrock" {
		return true, "aws"
	}
	if cfg := s.config(); cfg != nil && cfg.Provider == provider && cfg.APIKey != "" {
		return true, "config"
	}
	if env := envKeyName(provider); env != "" && os.Getenv(env) != "" {
		return true, "env"
	}
	if s.opts.Store != nil {
		if auth, err := s.opts.Store.LoadAuth(); err == nil {
			if entry, ok := auth[provider]; ok && entry.APIKey != "" {
				return true, "stored"
			}
		}
	}
	return false, ""
}

func envKeyName(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

func providerTags() []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range models.All() {
		if !seen[m.Provider] {
			seen[m.Provider] = true
			out = append(out, m.Provider)
		}
	}
	return out
}

type authLoginParams struct {
	Provider string `json:"provider"`
}

// handleAuthLogin opens an API-key login flow: the client is told how to
// supply a key, and auth/poll reports completion once one is stored.
func (s *Server) handleAuthLogin(params json.RawMessage) (any, *Error) {
	p, perr := decode[authLoginParams](params)
	if perr != nil {
		return nil, perr
	}
	if p.Provider == "" {
		return nil, Errorf(CodeInvalidParams, "provider is required")
	}

	loginID := uuid.NewString()
	s.loginMu.Lock()
	s.logins[loginID] = p.Provider
	s.loginMu.Unlock()

	instructions := fmt.Sprintf("Call auth/set_key with provider %q and your API key", p.Provider)
	if env := envKeyName(p.Provider); env != "" {
		instructions += fmt.Sprintf(", or export %s and restart", env)
	}
	return map[string]any{
		"login_id":     loginID,
		"method":       "api_key",
		"instructions": instructions,
	}, nil
}

type authPollParams struct {
	LoginID string `json:"login_id"`
}

func (s *Server) handleAuthPoll(params json.RawMessage) (any, *Error) {
	p, perr := decode[authPollParams](params)
	if perr != nil {
		return nil, perr
	}
	s.loginMu.Lock()
	provider, ok := s.logins[p.LoginID]
	s.loginMu.Unlock()
	if !ok {
		return nil, Errorf(CodeServerError, "unknown login id: %s", p.LoginID)
	}
	if configured, _ := s.credential(provider); configured {
		s.loginMu.Lock()
		delete(s.logins, p.LoginID)
		s.loginMu.Unlock()
		return map[string]any{"status": "complete", "provider": provider}, nil
	}
	return map[string]any{"status": "pending", "provider": provider}, nil
}

type setKeyParams struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

func (s *Server) handleAuthSetKey(params json.RawMessage) (any, *Error) {
	if s.opts.Store == nil {
		return nil, Errorf(CodeServerError, "no data directory configured")
	}
	p, perr := decode[setKeyParams](params)
	if perr != nil {
		return nil, perr
	}
	if p.Provider == "" || p.APIKey == "" {
		return nil, Errorf(CodeInvalidParams, "provider and api_key are required")
	}
	if err := s.opts.Store.SetAPIKey(p.Provider, p.APIKey); err != nil {
		return nil, Errorf(CodeServerError, "auth: %v", err)
	}
	return s.authBlock(), nil
}

// ---------------------------------------------------------------------------
// Server→client requests (tools.Asker)
// ---------------------------------------------------------------------------

// Ask sends a server→client request and blocks the calling tool task until
// the client answers or ctx is canceled. The bounded method set keeps the
// client surface small: confirm, input, ask_user.
func (s *Server) Ask(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	switch method {
	case "client/confirm", "client/input", "client/ask_user":
	default:
		return nil, fmt.Errorf("rpc: unsupported server request %q", method)
	}

	id := fmt.Sprintf("s2c-%d", s.askSeq.Add(1))
	ch := make(chan askReply, 1)
	s.pendMu.Lock()
	s.pending[id] = ch
	s.pendMu.Unlock()
	defer func() {
		s.pendMu.Lock()
		delete(s.pending, id)
		s.pendMu.Unlock()
	}()

	if err := s.write(Request{JSONRPC: "2.0", ID: id, Method: method, Params: mustRaw(params)}); err != nil {
		return nil, fmt.Errorf("rpc: send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-ch:
		if reply.err != nil {
			return nil, reply.err
		}
		var out map[string]any
		if len(reply.result) > 0 {
			if err := json.Unmarshal(reply.result, &out); err != nil {
				return nil, fmt.Errorf("rpc: decode %s response: %w", method, err)
			}
		}
		if out == nil {
			out = map[string]any{}
		}
		return out, nil
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Server) session(id string) (*agent.Session, *Error) {
	if id == "" {
		return nil, Errorf(CodeInvalidParams, "session_id is required")
	}
	sess, ok := s.opts.Supervisor.Get(id)
	if !ok {
		return nil, Errorf(CodeServerError, "session not found: %s", id)
	}
	return sess, nil
}

func (s *Server) provider(name string) (ai.Provider, error) {
	if s.opts.Resolver == nil {
		return nil, fmt.Errorf("no provider resolver configured")
	}
	return s.opts.Resolver(name)
}

// resolveModel turns a "provider:model_id" string (or settings / defaults)
// into a full descriptor with its context window filled in.
func (s *Server) resolveModel(spec string) (ai.Model, *Error) {
	raw := spec
	if raw == "" && s.opts.Store != nil {
		if settings, err := s.opts.Store.LoadSettings(); err == nil {
			raw = settings.DefaultModel
		}
	}
	if raw == "" {
		if s.opts.DefaultModel.ID == "" {
			return ai.Model{}, Errorf(CodeServerError, "no model configured")
		}
		return s.opts.DefaultModel, nil
	}

	m := ai.ParseModel(raw)
	if m.Provider == "" {
		if info := models.Lookup(m.ID); info != nil {
			m.Provider = info.Provider
		}
	}
	if m.Provider == "" {
		return ai.Model{}, Errorf(CodeInvalidParams, "model %q needs a provider:model_id form", raw)
	}

	fallback := 0
	if cfg := s.config(); cfg != nil {
		fallback = cfg.ContextWindow
	}
	m.ContextWindow = models.ContextWindowFor(m.ID, fallback)
	return m, nil
}

// write marshals one frame and appends the newline. All writers share the
// mutex so frames never interleave.
func (s *Server) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rpc: marshal frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.out == nil {
		return fmt.Errorf("rpc: not serving")
	}
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Warn("rpc write failed", "err", err)
		return err
	}
	return nil
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// decode unmarshals request params. A nil params block decodes to the zero
// value; anything malformed is an invalid-params error.
func decode[T any](params json.RawMessage) (T, *Error) {
	var out T
	if len(params) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(params, &out); err != nil {
		return out, Errorf(CodeInvalidParams, "invalid params: %v", err)
	}
	return out, nil
}

var _ tools.Asker = (*Server)(nil)
