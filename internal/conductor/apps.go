package conductor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/ssd-technologies/holonet/internal/cell"
	"github.com/ssd-technologies/holonet/internal/chain"
	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/dht"
	"github.com/ssd-technologies/holonet/internal/gossip"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

// app is the persisted form of an installed app. Enabled lives in its own
// column so toggling it does not rewrite the blob.
type app struct {
	ID      string    `cbor:"1,keyasint"`
	Agent   hash.Hash `cbor:"2,keyasint"`
	Roles   []role    `cbor:"3,keyasint"`
	Enabled bool      `cbor:"-"`
}

type role struct {
	Name      string      `cbor:"1,keyasint"`
	Dna       hash.Hash   `cbor:"2,keyasint"`
	Clones    []cloneCell `cbor:"3,keyasint,omitempty"`
	NextClone int         `cbor:"4,keyasint"`
}

type cloneCell struct {
	ID   string    `cbor:"1,keyasint"`
	Name string    `cbor:"2,keyasint"`
	Dna  hash.Hash `cbor:"3,keyasint"`
}

func decodeApp(row store.AppRow) (*app, error) {
	var a app
	if err := codec.Unmarshal(row.Blob, &a); err != nil {
		return nil, fmt.Errorf("decode app %s: %w", row.ID, err)
	}
	a.Enabled = row.Enabled
	return &a, nil
}

func (a *app) cellIDs() []types.CellID {
	var ids []types.CellID
	for _, r := range a.Roles {
		ids = append(ids, types.CellID{Dna: r.Dna, Agent: a.Agent})
		for _, cl := range r.Clones {
			ids = append(ids, types.CellID{Dna: cl.Dna, Agent: a.Agent})
		}
	}
	return ids
}

func (a *app) role(name string) (*role, bool) {
	for i := range a.Roles {
		if a.Roles[i].Name == name {
			return &a.Roles[i], true
		}
	}
	return nil, false
}

func (c *Conductor) saveApp(ctx context.Context, a *app, defs ...*types.DnaDef) error {
	blob, err := codec.Marshal(a)
	if err != nil {
		return err
	}
	// Definitions go in first: an app row must never name an unknown DNA.
	if len(defs) > 0 {
		if err := c.wasm.Write(ctx, func(tx *store.Txn) error {
			for _, def := range defs {
				if _, err := tx.PutDnaDef(def); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("register dna: %w", err)
		}
	}
	return c.db.Write(ctx, func(tx *store.Txn) error {
		return tx.PutApp(a.ID, blob, a.Enabled)
	})
}

func (c *Conductor) lookupApp(id string) (*app, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.apps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAppNotFound, id)
	}
	return a, nil
}

// RoleManifest names one DNA of an app being installed.
type RoleManifest struct {
	Name          string       `json:"name"`
	Dna           types.DnaDef `json:"dna"`
	MembraneProof []byte       `json:"membrane_proof,omitempty"`
}

// InstallAppRequest installs an app for an agent. A zero agent gets a fresh
// key from the keystore.
type InstallAppRequest struct {
	ID    string         `json:"installed_app_id"`
	Agent hash.Hash      `json:"agent_pub_key"`
	Roles []RoleManifest `json:"roles"`
}

// CellInfo describes one cell of an app.
type CellInfo struct {
	CellID      types.CellID `json:"cell_id"`
	CloneID     string       `json:"clone_id,omitempty"`
	Name        string       `json:"name"`
	NetworkSeed string       `json:"network_seed"`
}

const (
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
)

// AppInfo describes an installed app.
type AppInfo struct {
	ID       string                `json:"installed_app_id"`
	Agent    hash.Hash             `json:"agent_pub_key"`
	Status   string                `json:"status"`
	CellInfo map[string][]CellInfo `json:"cell_info"`
}

// InstallApp registers the app's DNAs, creates its cells and writes their
// genesis. The app starts disabled.
func (c *Conductor) InstallApp(ctx context.Context, req InstallAppRequest) (AppInfo, error) {
	c.admin.Lock()
	defer c.admin.Unlock()

	if req.ID == "" || len(req.Roles) == 0 {
		return AppInfo{}, errors.New("install app: id and at least one role required")
	}
	if _, err := c.lookupApp(req.ID); err == nil {
		return AppInfo{}, fmt.Errorf("%w: %s", ErrAppExists, req.ID)
	}
	for _, r := range req.Roles {
		if _, ok := c.cfg.Ribosomes.Lookup(r.Dna.Name); !ok {
			return AppInfo{}, fmt.Errorf("role %s: %w: %s", r.Name, ErrRibosomeNotFound, r.Dna.Name)
		}
	}

	agent := req.Agent
	if agent.IsZero() {
		var err error
		if agent, err = c.cfg.Keystore.GenerateSignKeypair(ctx); err != nil {
			return AppInfo{}, fmt.Errorf("generate agent key: %w", err)
		}
	}

	a := &app{ID: req.ID, Agent: agent}
	defs := make([]*types.DnaDef, 0, len(req.Roles))
	for _, r := range req.Roles {
		if _, dup := a.role(r.Name); dup {
			return AppInfo{}, fmt.Errorf("install app: duplicate role %q", r.Name)
		}
		def := r.Dna
		a.Roles = append(a.Roles, role{Name: r.Name, Dna: def.Hash()})
		defs = append(defs, &def)
	}
	if err := c.saveApp(ctx, a, defs...); err != nil {
		return AppInfo{}, fmt.Errorf("install app: %w", err)
	}
	for i, r := range req.Roles {
		id := types.CellID{Dna: a.Roles[i].Dna, Agent: agent}
		if err := c.openCell(ctx, a.ID, id, r.MembraneProof); err != nil {
			return AppInfo{}, fmt.Errorf("install app %s: %w", a.ID, err)
		}
	}

	c.mu.Lock()
	c.apps[a.ID] = a
	c.mu.Unlock()
	c.logger.Info("app installed", "app", a.ID, "agent", agent.Short(), "roles", len(a.Roles))
	return c.appInfo(a), nil
}

func (c *Conductor) startApp(ctx context.Context, a *app) error {
	for _, id := range a.cellIDs() {
		c.mu.RLock()
		e, ok := c.cells[id]
		c.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrCellMissing, id)
		}
		if err := c.startCell(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// EnableApp starts the app's cells and joins their networks.
func (c *Conductor) EnableApp(ctx context.Context, id string) (AppInfo, error) {
	c.admin.Lock()
	defer c.admin.Unlock()

	a, err := c.lookupApp(id)
	if err != nil {
		return AppInfo{}, err
	}
	if err := c.startApp(ctx, a); err != nil {
		return AppInfo{}, err
	}
	if err := c.setEnabled(ctx, a, true); err != nil {
		return AppInfo{}, err
	}
	c.logger.Info("app enabled", "app", id)
	return c.appInfo(a), nil
}

// DisableApp leaves the app's networks and stops its cells. Data is kept.
func (c *Conductor) DisableApp(ctx context.Context, id string) (AppInfo, error) {
	c.admin.Lock()
	defer c.admin.Unlock()

	a, err := c.lookupApp(id)
	if err != nil {
		return AppInfo{}, err
	}
	for _, cid := range a.cellIDs() {
		c.mu.RLock()
		e, ok := c.cells[cid]
		c.mu.RUnlock()
		if ok {
			c.stopCell(e)
		}
	}
	if err := c.setEnabled(ctx, a, false); err != nil {
		return AppInfo{}, err
	}
	c.logger.Info("app disabled", "app", id)
	return c.appInfo(a), nil
}

func (c *Conductor) setEnabled(ctx context.Context, a *app, enabled bool) error {
	if err := c.db.Write(ctx, func(tx *store.Txn) error {
		return tx.SetAppEnabled(a.ID, enabled)
	}); err != nil {
		return fmt.Errorf("set app %s enabled: %w", a.ID, err)
	}
	c.mu.Lock()
	a.Enabled = enabled
	c.mu.Unlock()
	return nil
}

// ListApps returns every installed app ordered by id.
func (c *Conductor) ListApps() []AppInfo {
	c.mu.RLock()
	apps := make([]*app, 0, len(c.apps))
	for _, a := range c.apps {
		apps = append(apps, a)
	}
	c.mu.RUnlock()
	slices.SortFunc(apps, func(x, y *app) int { return cmp.Compare(x.ID, y.ID) })
	out := make([]AppInfo, len(apps))
	for i, a := range apps {
		out[i] = c.appInfo(a)
	}
	return out
}

// AppInfo describes one installed app.
func (c *Conductor) AppInfo(id string) (AppInfo, error) {
	a, err := c.lookupApp(id)
	if err != nil {
		return AppInfo{}, err
	}
	return c.appInfo(a), nil
}

func (c *Conductor) appInfo(a *app) AppInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := AppInfo{
		ID:       a.ID,
		Agent:    a.Agent,
		Status:   StatusDisabled,
		CellInfo: make(map[string][]CellInfo, len(a.Roles)),
	}
	if a.Enabled {
		info.Status = StatusEnabled
	}
	seed := func(dna hash.Hash) string {
		if s, ok := c.spaces[dna]; ok {
			return s.def.NetworkSeed
		}
		return ""
	}
	for _, r := range a.Roles {
		cells := []CellInfo{{
			CellID:      types.CellID{Dna: r.Dna, Agent: a.Agent},
			Name:        r.Name,
			NetworkSeed: seed(r.Dna),
		}}
		for _, cl := range r.Clones {
			cells = append(cells, CellInfo{
				CellID:      types.CellID{Dna: cl.Dna, Agent: a.Agent},
				CloneID:     cl.ID,
				Name:        cl.Name,
				NetworkSeed: seed(cl.Dna),
			})
		}
		info.CellInfo[r.Name] = cells
	}
	return info
}

// CreateCloneCellRequest derives a new cell from a role's DNA.
type CreateCloneCellRequest struct {
	App           string `json:"app_id"`
	Role          string `json:"role_id"`
	NetworkSeed   string `json:"network_seed"`
	Name          string `json:"name"`
	MembraneProof []byte `json:"membrane_proof,omitempty"`
}

// CreateCloneCell registers the role's DNA under a new network seed and
// creates a cell on it, started if the app is enabled. Clone ids are
// "<role>.<n>".
func (c *Conductor) CreateCloneCell(ctx context.Context, req CreateCloneCellRequest) (CellInfo, error) {
	c.admin.Lock()
	defer c.admin.Unlock()

	a, err := c.lookupApp(req.App)
	if err != nil {
		return CellInfo{}, err
	}
	r, ok := a.role(req.Role)
	if !ok {
		return CellInfo{}, fmt.Errorf("%w: %s/%s", ErrRoleNotFound, req.App, req.Role)
	}

	var base *types.DnaDef
	if err := c.wasm.Read(ctx, func(tx *store.Txn) (err error) {
		base, err = tx.GetDnaDef(r.Dna)
		return err
	}); err != nil {
		return CellInfo{}, fmt.Errorf("clone %s: %w", req.Role, err)
	}
	def := base.WithNetworkSeed(req.NetworkSeed)
	dna := def.Hash()
	if dna == r.Dna {
		return CellInfo{}, errors.New("clone cell: network seed must differ from the role's")
	}
	for _, cl := range r.Clones {
		if cl.Dna == dna {
			return CellInfo{}, fmt.Errorf("clone cell: %s already cloned as %s", dna.Short(), cl.ID)
		}
	}

	clone := cloneCell{
		ID:   r.Name + "." + strconv.Itoa(r.NextClone),
		Name: req.Name,
		Dna:  dna,
	}
	if clone.Name == "" {
		clone.Name = clone.ID
	}
	c.mu.Lock()
	r.Clones = append(r.Clones, clone)
	r.NextClone++
	c.mu.Unlock()
	rollback := func() {
		c.mu.Lock()
		r.Clones = r.Clones[:len(r.Clones)-1]
		r.NextClone--
		c.mu.Unlock()
	}

	if err := c.saveApp(ctx, a, &def); err != nil {
		rollback()
		return CellInfo{}, fmt.Errorf("clone cell: %w", err)
	}
	id := types.CellID{Dna: dna, Agent: a.Agent}
	if err := c.openCell(ctx, a.ID, id, req.MembraneProof); err != nil {
		return CellInfo{}, fmt.Errorf("clone cell: %w", err)
	}
	if a.Enabled {
		c.mu.RLock()
		e := c.cells[id]
		c.mu.RUnlock()
		if err := c.startCell(ctx, e); err != nil {
			return CellInfo{}, err
		}
	}
	c.logger.Info("clone cell created", "app", a.ID, "clone", clone.ID, "dna", dna.Short())
	return CellInfo{CellID: id, CloneID: clone.ID, Name: clone.Name, NetworkSeed: def.NetworkSeed}, nil
}

// GrantZomeCallCapability commits a CapGrant to the cell's chain.
func (c *Conductor) GrantZomeCallCapability(ctx context.Context, id types.CellID, g types.CapGrant) (hash.Hash, error) {
	cl, err := c.Cell(id)
	if err != nil {
		return hash.Hash{}, err
	}
	return cl.GrantCapability(ctx, g)
}

// AddAgentInfo stores infos received out of band. Infos for spaces without
// a local cell go straight to the agent store and seed the peer table when
// such a cell appears.
func (c *Conductor) AddAgentInfo(infos []dht.AgentInfo) error {
	var errs []error
	for _, info := range infos {
		c.mu.RLock()
		s, ok := c.spaces[info.Space]
		c.mu.RUnlock()
		if ok {
			if _, err := s.peers.Put(info); err != nil {
				errs = append(errs, fmt.Errorf("agent %s: %w", info.Agent.Short(), err))
			}
			continue
		}
		if err := info.Verify(); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", info.Agent.Short(), err))
			continue
		}
		if err := c.agents.PutAgentInfo(info); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AgentInfo lists known agent infos, for one space or for every open one.
func (c *Conductor) AgentInfo(spaceHash *hash.Hash) ([]dht.AgentInfo, error) {
	if spaceHash != nil {
		c.mu.RLock()
		s, ok := c.spaces[*spaceHash]
		c.mu.RUnlock()
		if ok {
			return s.peers.All(), nil
		}
		return c.agents.List(*spaceHash)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []dht.AgentInfo
	for _, s := range c.spaces {
		out = append(out, s.peers.All()...)
	}
	return out, nil
}

// CellGossipInfo is the gossip state of one running cell.
type CellGossipInfo struct {
	CellID types.CellID `json:"cell_id"`
	gossip.Info
}

// GossipInfo reports gossip state for the given DNAs, or every running
// cell when dnas is empty.
func (c *Conductor) GossipInfo(ctx context.Context, dnas []hash.Hash) []CellGossipInfo {
	c.mu.RLock()
	var cells []*cell.Cell
	for id, e := range c.cells {
		if e.running && (len(dnas) == 0 || slices.Contains(dnas, id.Dna)) {
			cells = append(cells, e.cell)
		}
	}
	c.mu.RUnlock()

	out := make([]CellGossipInfo, 0, len(cells))
	for _, cl := range cells {
		out = append(out, CellGossipInfo{CellID: cl.ID(), Info: cl.Gossip().Info(ctx)})
	}
	slices.SortFunc(out, func(x, y CellGossipInfo) int {
		if n := x.CellID.Dna.Compare(y.CellID.Dna); n != 0 {
			return n
		}
		return x.CellID.Agent.Compare(y.CellID.Agent)
	})
	return out
}

// CallZome runs a signed zome call on a running cell.
func (c *Conductor) CallZome(ctx context.Context, call cell.SignedZomeCall, ordering chain.FlushMode) ([]byte, error) {
	cl, err := c.Cell(call.Cell)
	if err != nil {
		return nil, err
	}
	return cl.Call(ctx, call, cell.WithOrdering(ordering))
}
