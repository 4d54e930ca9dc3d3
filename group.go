package tgdh

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/hashicorp/go-uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Participant is one group member.  It owns its key pair and private
// replicas of its level's tree and of the hierarchy tree.
type Participant struct {
	ID    MemberID
	Level int

	params    Params
	keyPair   KeyPair
	levelTree *LevelTree
	hierTree  *HierarchyTree
}

// NewParticipant returns a participant that has not joined a group yet.  An
// empty id is replaced by a random UUID.
func NewParticipant(id MemberID, level int) (*Participant, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}

	if id == "" {
		s, err := uuid.GenerateUUID()
		if err != nil {
			return nil, fmt.Errorf("can't generate member id: %v", err)
		}
		id = MemberID(s)
	}

	return &Participant{ID: id, Level: level}, nil
}

func (p *Participant) KeyPair() KeyPair {
	return p.keyPair
}

func (p *Participant) LevelTree() *LevelTree {
	return p.levelTree
}

func (p *Participant) HierarchyTree() *HierarchyTree {
	return p.hierTree
}

func (p *Participant) joined() bool {
	return p.levelTree != nil && p.hierTree != nil
}

func (p *Participant) reset() {
	p.keyPair = KeyPair{}
	p.levelTree = nil
	p.hierTree = nil
}

// levelKeyPair is the root key pair of p's level tree, which is also the
// leaf key pair of p's level in the hierarchy tree.
func (p *Participant) levelKeyPair() (KeyPair, error) {
	if !p.joined() {
		return KeyPair{}, fmt.Errorf("%w: %q has not joined", ErrInvalidState, p.ID)
	}

	secret, public := p.levelTree.RootKeys()
	s, ok := secret.Value()
	if !ok {
		return KeyPair{}, fmt.Errorf("%w: %q has no level secret", ErrInvalidState, p.ID)
	}
	pub, ok := public.Value()
	if !ok {
		return KeyPair{}, fmt.Errorf("%w: %q has no level public key", ErrInvalidState, p.ID)
	}
	return KeyPair{Secret: s, Public: pub}, nil
}

// LevelKey is the symmetric key shared by the members of p's level.
func (p *Participant) LevelKey() ([]byte, error) {
	kp, err := p.levelKeyPair()
	if err != nil {
		return nil, err
	}
	return DeriveGroupKey(kp.Secret, []byte("tgdh level "+strconv.Itoa(p.Level)))
}

// GroupKey is the symmetric key shared by every member of the group.
func (p *Participant) GroupKey() ([]byte, error) {
	if !p.joined() {
		return nil, fmt.Errorf("%w: %q has not joined", ErrInvalidState, p.ID)
	}

	secret, _ := p.hierTree.RootKeys()
	s, ok := secret.Value()
	if !ok {
		return nil, fmt.Errorf("%w: %q has no group secret", ErrInvalidState, p.ID)
	}
	return DeriveGroupKey(s, []byte("tgdh group"))
}

func (p *Participant) LevelRootPublic() Key {
	if p.levelTree == nil {
		return NoKey
	}
	_, public := p.levelTree.RootKeys()
	return public
}

func (p *Participant) HierarchyRootPublic() Key {
	if p.hierTree == nil {
		return NoKey
	}
	_, public := p.hierTree.RootKeys()
	return public
}

// joinAnswer snapshots p's replicas for a member joining at level.
func (p *Participant) joinAnswer(level int) (*JoinAnswer, error) {
	var err error
	ans := &JoinAnswer{Params: p.params}

	ans.HierarchyTree, err = p.hierTree.ExportSnapshot()
	if err != nil {
		return nil, fmt.Errorf("can't snapshot hierarchy tree: %w", err)
	}
	if level == p.Level {
		ans.LevelTree, err = p.levelTree.ExportSnapshot()
		if err != nil {
			return nil, fmt.Errorf("can't snapshot level tree: %w", err)
		}
	}
	return ans, nil
}

// acceptJoinAnswer builds p's replicas from a contact's answer, places p in
// them, and draws p's key pair.
func (p *Participant) acceptJoinAnswer(ans *JoinAnswer, rand io.Reader) error {
	var err error

	p.params = ans.Params

	if ans.LevelTree != nil {
		p.levelTree, err = ImportLevelTree(p.params, ans.LevelTree)
	} else {
		p.levelTree, err = NewLevelTree(p.params)
	}
	if err != nil {
		return fmt.Errorf("can't build level tree: %w", err)
	}

	if ans.HierarchyTree != nil {
		p.hierTree, err = ImportHierarchyTree(p.params, ans.HierarchyTree)
		if err != nil {
			return fmt.Errorf("can't build hierarchy tree: %w", err)
		}
	} else {
		p.hierTree = NewHierarchyTree(p.params)
	}

	if err := p.levelTree.AddMember(p.ID); err != nil {
		return err
	}
	if err := p.hierTree.AddMember(p.ID, p.Level); err != nil {
		return err
	}

	return p.refreshKeyPair(rand)
}

func (p *Participant) refreshKeyPair(rand io.Reader) error {
	kp, err := GenerateKeyPair(p.params, rand)
	if err != nil {
		return err
	}
	p.keyPair = kp
	return nil
}

// rekeyLevel recomputes p's level path from its own key pair and returns
// the branch to broadcast to the level.
func (p *Participant) rekeyLevel() (*Branch, error) {
	if err := p.levelTree.UpdateKeysFromMaster(p.ID, p.keyPair); err != nil {
		return nil, err
	}
	return p.levelTree.ExportBranch(p.ID)
}

// rekeyHierarchy recomputes the hierarchy path of p's level from the level
// root key pair and returns the branch to broadcast to the group.
func (p *Participant) rekeyHierarchy() (*Branch, error) {
	kp, err := p.levelKeyPair()
	if err != nil {
		return nil, err
	}
	if err := p.hierTree.UpdateKeysFromMaster(p.Level, kp); err != nil {
		return nil, err
	}
	return p.hierTree.ExportBranch(p.Level)
}

func (p *Participant) applyLevelBranch(b *Branch) error {
	return p.levelTree.UpdateKeysFromBranch(p.ID, p.keyPair, b)
}

func (p *Participant) applyHierarchyBranch(b *Branch) error {
	kp, err := p.levelKeyPair()
	if err != nil {
		return err
	}
	return p.hierTree.UpdateKeysFromBranch(p.Level, kp, b)
}

//////////////////////////////////////////////////////////////////////////////
// GROUP
//////////////////////////////////////////////////////////////////////////////

// Group drives joins and leaves across a set of in-memory participants,
// delivering every message to each recipient's replicas in turn.  Join and
// Leave are serialized.
type Group struct {
	mu           sync.Mutex
	params       Params
	rand         io.Reader
	logger       *slog.Logger
	participants map[MemberID]*Participant
	lastUpdate   *KeyUpdate
}

// NewGroup returns an empty group using params.
func NewGroup(params Params) *Group {
	return &Group{
		params:       params,
		logger:       slog.Default(),
		participants: make(map[MemberID]*Participant),
	}
}

func (g *Group) SetLogger(logger *slog.Logger) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.logger = logger
}

// SetRand sets the randomness source for key pairs.  The default is
// crypto/rand.
func (g *Group) SetRand(rand io.Reader) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rand = rand
}

func (g *Group) Params() Params {
	return g.params
}

func (g *Group) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.participants)
}

func (g *Group) Participant(id MemberID) (*Participant, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.participants[id]
	return p, ok
}

// Participants returns the members ordered by id.
func (g *Group) Participants() []*Participant {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sorted()
}

// Levels returns the populated levels in ascending order.
func (g *Group) Levels() []int {
	g.mu.Lock()
	defer g.mu.Unlock()

	set := make(map[int]bool)
	for _, p := range g.participants {
		set[p.Level] = true
	}
	levels := maps.Keys(set)
	slices.Sort(levels)
	return levels
}

// LastUpdate returns the messages broadcast by the most recent join or
// leave.
func (g *Group) LastUpdate() *KeyUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastUpdate
}

func (g *Group) sorted() []*Participant {
	ids := maps.Keys(g.participants)
	slices.Sort(ids)

	ps := make([]*Participant, 0, len(ids))
	for _, id := range ids {
		ps = append(ps, g.participants[id])
	}
	return ps
}

// contact picks who answers a join at level: the first member of that level
// if there is one, else the first member overall.
func (g *Group) contact(level int) *Participant {
	ps := g.sorted()
	for _, p := range ps {
		if p.Level == level {
			return p
		}
	}
	if len(ps) > 0 {
		return ps[0]
	}
	return nil
}

// Join adds p to the group.  The joiner sponsors both rekeys: it computes
// its level path and broadcasts it to its level, then recomputes the
// hierarchy path of its level and broadcasts that to everyone.
func (g *Group) Join(p *Participant) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.participants[p.ID]; ok {
		return fmt.Errorf("%w: %q is already in the group", ErrInvalidState, p.ID)
	}
	if p.joined() {
		return fmt.Errorf("%w: %q already belongs to a group", ErrInvalidState, p.ID)
	}

	log := g.logger.With("member", p.ID, "level", p.Level)

	ans := &JoinAnswer{Params: g.params}
	if c := g.contact(p.Level); c != nil {
		var err error
		ans, err = c.joinAnswer(p.Level)
		if err != nil {
			return fmt.Errorf("%q can't answer %q: %w", c.ID, p.ID, err)
		}
		log.Debug("join answer", "contact", c.ID, "newLevel", ans.LevelTree == nil)
	}

	// The joiner goes first; the other replicas are touched only once it
	// holds a consistent copy.
	if err := p.acceptJoinAnswer(ans, g.rand); err != nil {
		p.reset()
		return fmt.Errorf("%q can't process join answer: %w", p.ID, err)
	}

	others := g.sorted()
	for _, q := range others {
		if q.Level == p.Level && q.levelTree.Contains(p.ID) {
			p.reset()
			return fmt.Errorf("%w: %q already has %q in its level tree", ErrInconsistentTree, q.ID, p.ID)
		}
		if _, ok := q.hierTree.LevelOf(p.ID); ok {
			p.reset()
			return fmt.Errorf("%w: %q already has %q in its hierarchy tree", ErrInconsistentTree, q.ID, p.ID)
		}
	}
	for _, q := range others {
		if q.Level == p.Level {
			if err := q.levelTree.AddMember(p.ID); err != nil {
				return fmt.Errorf("%q can't add %q to its level tree: %w", q.ID, p.ID, err)
			}
		}
		if err := q.hierTree.AddMember(p.ID, p.Level); err != nil {
			return fmt.Errorf("%q can't add %q to its hierarchy tree: %w", q.ID, p.ID, err)
		}
	}

	g.participants[p.ID] = p

	update := &KeyUpdate{
		Event:            EventJoin,
		Member:           p.ID,
		Level:            p.Level,
		LevelSponsor:     p.ID,
		HierarchySponsor: p.ID,
	}

	var err error
	update.LevelBranch, err = p.rekeyLevel()
	if err != nil {
		return fmt.Errorf("%q can't rekey level %d: %w", p.ID, p.Level, err)
	}
	if err := g.deliverLevel(p.Level, p.ID, update.LevelBranch); err != nil {
		return err
	}

	update.HierarchyBranch, err = p.rekeyHierarchy()
	if err != nil {
		return fmt.Errorf("%q can't rekey hierarchy: %w", p.ID, err)
	}
	if err := g.deliverHierarchy(p.ID, update.HierarchyBranch); err != nil {
		return err
	}

	g.lastUpdate = update
	log.Info("member joined",
		"levelSize", p.levelTree.NumMembers(),
		"groupSize", len(g.participants),
		"levelHeight", p.levelTree.Height())
	return nil
}

// Leave removes the member id from the group.  The leaver's level sibling
// refreshes its key pair and sponsors the level rekey.  If the level is
// left empty, a member of the lowest other level sponsors the hierarchy
// rekey instead.
func (g *Group) Leave(id MemberID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.participants[id]
	if !ok {
		return fmt.Errorf("%w: %q is not in the group", ErrNotFound, id)
	}

	log := g.logger.With("member", id, "level", p.Level)

	var levelSponsor *Participant
	if p.levelTree.NumMembers() > 1 {
		sid, err := p.levelTree.FindSiblingMember(id)
		if err != nil {
			return fmt.Errorf("no level sponsor for %q: %w", id, err)
		}
		levelSponsor = g.participants[sid]
		if levelSponsor == nil {
			return fmt.Errorf("%w: level sponsor %q is not in the group", ErrInconsistentTree, sid)
		}
	}

	others := make([]*Participant, 0, len(g.participants)-1)
	for _, q := range g.sorted() {
		if q.ID == id {
			continue
		}
		if q.Level == p.Level && !q.levelTree.Contains(id) {
			return fmt.Errorf("%w: %q has no %q in its level tree", ErrInconsistentTree, q.ID, id)
		}
		if level, ok := q.hierTree.LevelOf(id); !ok || level != p.Level {
			return fmt.Errorf("%w: %q has no %q at level %d", ErrInconsistentTree, q.ID, id, p.Level)
		}
		others = append(others, q)
	}

	delete(g.participants, id)
	p.reset()

	for _, q := range others {
		if q.Level == p.Level {
			if err := q.levelTree.RemoveMember(id); err != nil {
				return fmt.Errorf("%q can't remove %q from its level tree: %w", q.ID, id, err)
			}
		}
		if err := q.hierTree.RemoveMember(id, p.Level); err != nil {
			return fmt.Errorf("%q can't remove %q from its hierarchy tree: %w", q.ID, id, err)
		}
	}

	update := &KeyUpdate{Event: EventLeave, Member: id, Level: p.Level}
	defer func() { g.lastUpdate = update }()

	hierSponsor := levelSponsor
	if levelSponsor != nil {
		if err := levelSponsor.refreshKeyPair(g.rand); err != nil {
			return err
		}

		b, err := levelSponsor.rekeyLevel()
		if err != nil {
			return fmt.Errorf("%q can't rekey level %d: %w", levelSponsor.ID, p.Level, err)
		}
		if err := g.deliverLevel(p.Level, levelSponsor.ID, b); err != nil {
			return err
		}
		update.LevelSponsor = levelSponsor.ID
		update.LevelBranch = b
		log.Debug("level rekeyed", "sponsor", levelSponsor.ID)
	} else if len(g.participants) > 0 {
		first := g.sorted()[0]
		sid, ok := first.hierTree.FindSponsorMemberAt(p.Level)
		if !ok {
			return fmt.Errorf("%w: no hierarchy sponsor after %q left", ErrNoCandidate, id)
		}
		hierSponsor = g.participants[sid]
		if hierSponsor == nil {
			return fmt.Errorf("%w: hierarchy sponsor %q is not in the group", ErrInconsistentTree, sid)
		}
	}

	if hierSponsor == nil {
		log.Info("member left; group is empty")
		return nil
	}

	b, err := hierSponsor.rekeyHierarchy()
	if err != nil {
		return fmt.Errorf("%q can't rekey hierarchy: %w", hierSponsor.ID, err)
	}
	if err := g.deliverHierarchy(hierSponsor.ID, b); err != nil {
		return err
	}
	update.HierarchySponsor = hierSponsor.ID
	update.HierarchyBranch = b

	log.Info("member left",
		"levelSponsor", update.LevelSponsor,
		"hierarchySponsor", hierSponsor.ID,
		"groupSize", len(g.participants))
	return nil
}

// deliverLevel hands a level branch to every member of level but sender.
func (g *Group) deliverLevel(level int, sender MemberID, b *Branch) error {
	for _, q := range g.sorted() {
		if q.Level != level || q.ID == sender {
			continue
		}
		if err := q.applyLevelBranch(b); err != nil {
			return fmt.Errorf("%q can't apply level branch from %q: %w", q.ID, sender, err)
		}
		g.logger.Debug("level branch applied", "member", q.ID, "sponsor", sender)
	}
	return nil
}

// deliverHierarchy hands a hierarchy branch to every member but sender.
func (g *Group) deliverHierarchy(sender MemberID, b *Branch) error {
	for _, q := range g.sorted() {
		if q.ID == sender {
			continue
		}
		if err := q.applyHierarchyBranch(b); err != nil {
			return fmt.Errorf("%q can't apply hierarchy branch from %q: %w", q.ID, sender, err)
		}
	}
	g.logger.Debug("hierarchy branch delivered", "sponsor", sender, "recipients", len(g.participants)-1)
	return nil
}
