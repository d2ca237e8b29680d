package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"
)

// Request describes an inbound event to resolve.
type Request struct {
	SenderID string
	ChatID   string
	IsGroup  bool

	// Workspace is an explicit switch. When set and authorized it sticks
	// for the sender until another switch or a restart.
	Workspace string
}

// Handle is a resolved workspace.
type Handle struct {
	Name     string
	Config   Config
	Store    *Store
	Location *time.Location

	// Perspective is the sender id whose view of the history to read, set
	// only in shared-dm mode.
	Perspective string
}

// Info summarises one configured workspace.
type Info struct {
	Name    string
	Mode    Mode
	GroupID string
	Default bool
}

// Registry resolves events to workspaces and hands out one Store per
// workspace.
type Registry struct {
	backend Backend
	logger  *slog.Logger

	mu        sync.RWMutex
	settings  Settings
	groups    map[string]string         // chat id -> workspace
	locations map[string]*time.Location // workspace -> timezone
	stores    map[string]*Store
	switches  map[string]string // sender -> workspace (session only)
	clock     func() time.Time

	// Template copies run outside mu; each workspace is provisioned once.
	provisions map[string]*provisionState
	provision  func(baseDir, name string) (bool, error)
}

type provisionState struct {
	mu   sync.Mutex
	done bool
}

// NewRegistry validates settings and creates a registry. The base directory
// and _global/ are created if missing.
func NewRegistry(settings Settings, backend Backend, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		backend:    backend,
		logger:     logger.With("component", "registry"),
		stores:     make(map[string]*Store),
		switches:   make(map[string]string),
		clock:      time.Now,
		provisions: make(map[string]*provisionState),
		provision:  provision,
	}
	if err := r.apply(settings); err != nil {
		return nil, err
	}
	if err := ensureGlobal(settings.Dir); err != nil {
		return nil, err
	}
	return r, nil
}

// SetClock overrides the time source handed to stores (tests).
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = now
	for _, s := range r.stores {
		s.SetClock(now)
	}
}

// Reload swaps in a new configuration snapshot. Stores of workspaces that
// still exist are kept; session switches are re-validated lazily.
func (r *Registry) Reload(settings Settings) error {
	if err := r.apply(settings); err != nil {
		return err
	}
	r.logger.Info("workspace configuration reloaded", "workspaces", len(settings.Configs))
	return nil
}

func (r *Registry) apply(settings Settings) error {
	if len(settings.Configs) == 0 {
		return fmt.Errorf("no workspaces configured")
	}
	if _, ok := settings.Configs[settings.Default]; !ok {
		return fmt.Errorf("default workspace %q is not configured", settings.Default)
	}

	groups := make(map[string]string)
	locations := make(map[string]*time.Location)
	for name, cfg := range settings.Configs {
		if !filepath.IsLocal(name) || name != filepath.Base(name) || name[0] == '_' {
			return fmt.Errorf("invalid workspace name %q", name)
		}
		if !cfg.Mode.Valid() {
			return fmt.Errorf("workspace %q: invalid mode %q", name, cfg.Mode)
		}
		if cfg.Mode == ModeGroup {
			if cfg.GroupID == "" {
				return fmt.Errorf("workspace %q: group mode requires group_id", name)
			}
			if other, dup := groups[cfg.GroupID]; dup {
				return fmt.Errorf("workspaces %q and %q are bound to the same group %s", other, name, cfg.GroupID)
			}
			groups[cfg.GroupID] = name
		}
		loc := time.UTC
		if cfg.Timezone != "" {
			l, err := time.LoadLocation(cfg.Timezone)
			if err != nil {
				return fmt.Errorf("workspace %q: timezone: %w", name, err)
			}
			loc = l
		}
		locations[name] = loc
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = settings
	r.groups = groups
	r.locations = locations
	return nil
}

// Resolve maps an inbound event to a workspace.
//
// Group chats resolve only to the workspace bound to that chat. Direct
// chats honour an explicit switch, then the sender's session switch, then
// the default workspace, then the first other workspace the sender may use.
func (r *Registry) Resolve(ctx context.Context, req Request) (*Handle, error) {
	r.mu.Lock()
	h, err := r.resolveLocked(req)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.provisioned(h)
}

func (r *Registry) resolveLocked(req Request) (*Handle, error) {
	if req.IsGroup {
		return r.resolveGroup(req)
	}

	if req.Workspace != "" {
		cfg, ok := r.settings.Configs[req.Workspace]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownWorkspace, req.Workspace)
		}
		if err := r.authorizeDirect(req.Workspace, cfg, req); err != nil {
			return nil, err
		}
		r.switches[req.SenderID] = req.Workspace
		return r.handleLocked(req.Workspace, req.SenderID), nil
	}

	if name, ok := r.switches[req.SenderID]; ok {
		cfg, exists := r.settings.Configs[name]
		if exists && r.authorizeDirect(name, cfg, req) == nil {
			return r.handleLocked(name, req.SenderID), nil
		}
		r.logger.Warn("dropping stale workspace switch", "sender", req.SenderID, "workspace", name)
		delete(r.switches, req.SenderID)
	}

	for _, name := range r.candidatesLocked() {
		if r.authorizeDirect(name, r.settings.Configs[name], req) == nil {
			return r.handleLocked(name, req.SenderID), nil
		}
	}
	return nil, &AuthorizationError{
		SenderID: req.SenderID,
		ChatID:   req.ChatID,
		Reason:   "no workspace is configured for this sender",
	}
}

func (r *Registry) resolveGroup(req Request) (*Handle, error) {
	name, ok := r.groups[req.ChatID]
	if !ok {
		return nil, &AuthorizationError{
			SenderID: req.SenderID,
			ChatID:   req.ChatID,
			Reason:   "chat is not bound to a workspace",
		}
	}
	if req.Workspace != "" && req.Workspace != name {
		if _, exists := r.settings.Configs[req.Workspace]; !exists {
			return nil, fmt.Errorf("%w: %q", ErrUnknownWorkspace, req.Workspace)
		}
		return nil, &AuthorizationError{
			SenderID:  req.SenderID,
			ChatID:    req.ChatID,
			Workspace: req.Workspace,
			Reason:    "group chats cannot switch workspace",
		}
	}
	cfg := r.settings.Configs[name]
	if len(cfg.AuthorizedUsers) > 0 && !allowed(cfg.AuthorizedUsers, req.SenderID) {
		return nil, &AuthorizationError{
			SenderID:  req.SenderID,
			ChatID:    req.ChatID,
			Workspace: name,
			Reason:    "sender is not a member of the workspace allowlist",
		}
	}
	return r.handleLocked(name, req.SenderID), nil
}

// authorizeDirect checks a direct-chat sender against a workspace.
func (r *Registry) authorizeDirect(name string, cfg Config, req Request) error {
	deny := func(reason string) error {
		return &AuthorizationError{SenderID: req.SenderID, ChatID: req.ChatID, Workspace: name, Reason: reason}
	}
	if cfg.Mode == ModeGroup {
		return deny("group workspaces are only reachable from their bound chat")
	}
	list := cfg.AuthorizedUsers
	if len(list) == 0 {
		list = r.settings.AuthorizedUsers
	}
	if !allowed(list, req.SenderID) {
		return deny("sender is not in the allowlist")
	}
	return nil
}

func allowed(list []string, sender string) bool {
	return slices.Contains(list, "*") || slices.Contains(list, sender)
}

// candidatesLocked lists the default workspace first, then the rest sorted.
func (r *Registry) candidatesLocked() []string {
	names := make([]string, 0, len(r.settings.Configs))
	for name := range r.settings.Configs {
		if name != r.settings.Default {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return append([]string{r.settings.Default}, names...)
}

func (r *Registry) handleLocked(name, sender string) *Handle {
	cfg := r.settings.Configs[name]
	h := &Handle{
		Name:     name,
		Config:   cfg,
		Store:    r.storeLocked(name),
		Location: r.locations[name],
	}
	if cfg.Mode == ModeSharedDM {
		h.Perspective = sender
	}
	return h
}

func (r *Registry) storeLocked(name string) *Store {
	if s, ok := r.stores[name]; ok {
		return s
	}
	s := NewStore(name,
		filepath.Join(r.settings.Dir, name),
		filepath.Join(r.settings.Dir, globalDirName),
		r.backend, r.logger)
	s.SetClock(r.clock)
	r.stores[name] = s
	return s
}

// provisioned makes sure the handle's directory exists. The copy runs
// without the registry lock so other senders keep resolving; afterwards the
// workspace is checked again in case a reload removed it meanwhile.
func (r *Registry) provisioned(h *Handle) (*Handle, error) {
	r.mu.Lock()
	p, ok := r.provisions[h.Name]
	if !ok {
		p = &provisionState{}
		r.provisions[h.Name] = p
	}
	dir, provisionFn := r.settings.Dir, r.provision
	r.mu.Unlock()

	p.mu.Lock()
	if !p.done {
		created, err := provisionFn(dir, h.Name)
		if err != nil {
			p.mu.Unlock()
			return nil, &PersistenceError{Op: "provision", Workspace: h.Name, Err: err}
		}
		if created {
			r.logger.Info("workspace provisioned", "workspace", h.Name)
		}
		p.done = true
	}
	p.mu.Unlock()

	r.mu.RLock()
	_, exists := r.settings.Configs[h.Name]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkspace, h.Name)
	}
	return h, nil
}

// Handle returns the handle of a configured workspace without any
// authorization check. Used by scheduled jobs and operator commands.
func (r *Registry) Handle(name string) (*Handle, error) {
	r.mu.Lock()
	if _, ok := r.settings.Configs[name]; !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkspace, name)
	}
	h := r.handleLocked(name, "")
	r.mu.Unlock()
	return r.provisioned(h)
}

// Provision creates a configured workspace's directory from the templates.
func (r *Registry) Provision(ctx context.Context, name string) (*Handle, error) {
	return r.Handle(name)
}

// List returns the configured workspaces sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.settings.Configs))
	for name, cfg := range r.settings.Configs {
		infos = append(infos, Info{
			Name:    name,
			Mode:    cfg.Mode,
			GroupID: cfg.GroupID,
			Default: name == r.settings.Default,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Authorized lists the workspaces a direct-chat sender may switch to.
func (r *Registry) Authorized(senderID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for _, name := range r.candidatesLocked() {
		if r.authorizeDirect(name, r.settings.Configs[name], Request{SenderID: senderID}) == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Current returns the sender's session switch, if any.
func (r *Registry) Current(senderID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.switches[senderID]
	return name, ok
}

// ClearSwitch forgets the sender's session switch.
func (r *Registry) ClearSwitch(senderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.switches, senderID)
}
