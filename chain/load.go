package chain

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/blockberries/ledgerberry/store"
	"github.com/blockberries/ledgerberry/types"
)

// Load rebuilds the chain from storage: the finalized path from the stored
// head back to genesis, then every other stored commit that links to it.
// Siblings of finalized commits below the head come back superseded.
// Loading an empty store leaves the chain empty.
func (c *Chain) Load(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	headRaw, ok, err := c.store.Get(ctx, store.HeadKey)
	if err != nil {
		return fmt.Errorf("reading head: %w", err)
	}
	if !ok {
		return nil
	}
	headID := string(headRaw)

	// Walk the finalized path from head to genesis
	var finalized []*entry
	for id := headID; id != ""; {
		commit, err := c.loadCommit(ctx, id)
		if err != nil {
			return err
		}
		e := &entry{commit: commit, status: StatusFinalized}
		if !commit.IsGenesis() {
			e.cert, err = c.loadCert(ctx, id)
			if err != nil {
				return err
			}
		}
		finalized = append(finalized, e)
		id = commit.ParentHash
	}

	genesis := finalized[len(finalized)-1].commit
	if c.cfg.GenesisID != "" && genesis.ID != c.cfg.GenesisID {
		return fmt.Errorf("%w: stored %s, pinned %s",
			types.ErrConflictingGenesis, genesis.ShortID(), types.ShortID(c.cfg.GenesisID))
	}

	// Every other stored commit, grouped by parent
	byParent := make(map[string][]*types.Commit)
	err = c.store.Iterate(ctx, store.CommitPrefix, func(key string, value []byte) error {
		var commit types.Commit
		if err := types.UnmarshalCBOR(value, &commit); err != nil {
			return fmt.Errorf("decoding %s: %w", key, err)
		}
		if commit.ID != strings.TrimPrefix(key, store.CommitPrefix) {
			return fmt.Errorf("%w: %s holds commit %s", types.ErrIDMismatch, key, commit.ShortID())
		}
		byParent[commit.ParentHash] = append(byParent[commit.ParentHash], &commit)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning commits: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.children = make(map[string][]string)
	c.orphans = make(map[string]*orphan)
	c.waiting = make(map[string][]string)

	for i := len(finalized) - 1; i >= 0; i-- {
		e := finalized[i]
		e.height = uint64(len(finalized) - 1 - i)
		c.entries[e.commit.ID] = e
		if !e.commit.IsGenesis() {
			c.children[e.commit.ParentHash] = append(c.children[e.commit.ParentHash], e.commit.ID)
		}
	}
	c.genesis = genesis.ID
	c.head = headID

	// Link non-finalized commits breadth first from every known commit
	queue := make([]string, 0, len(c.entries))
	for id := range c.entries {
		queue = append(queue, id)
	}
	sort.Strings(queue)
	for len(queue) > 0 {
		parentID := queue[0]
		queue = queue[1:]
		parent := c.entries[parentID]
		for _, commit := range byParent[parentID] {
			if _, known := c.entries[commit.ID]; known {
				continue
			}
			c.insert(commit, StatusAdmitted, parent.height+1)
			queue = append(queue, commit.ID)
		}
	}

	// Below the head's parent, anything not finalized lost its fork. The
	// head's own level stays open for a smaller sibling.
	if len(finalized) > 2 {
		for _, e := range finalized[2:] {
			for _, kid := range c.children[e.commit.ID] {
				if c.entries[kid].status != StatusFinalized {
					c.supersede(kid)
				}
			}
		}
	}

	for parent, kids := range c.children {
		sort.Strings(kids)
		c.children[parent] = kids
	}

	c.logger.Info("loaded chain", "head", types.ShortID(headID), "height", c.entries[headID].height, "commits", len(c.entries))
	return nil
}

func (c *Chain) loadCommit(ctx context.Context, id string) (*types.Commit, error) {
	raw, ok, err := c.store.Get(ctx, store.CommitKey(id))
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", types.ShortID(id), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: finalized commit %s missing from storage", types.ErrUnknownCommit, types.ShortID(id))
	}
	var commit types.Commit
	if err := types.UnmarshalCBOR(raw, &commit); err != nil {
		return nil, fmt.Errorf("decoding commit %s: %w", types.ShortID(id), err)
	}
	if commit.ID != id {
		return nil, fmt.Errorf("%w: stored under %s", types.ErrIDMismatch, types.ShortID(id))
	}
	return &commit, nil
}

func (c *Chain) loadCert(ctx context.Context, id string) ([]types.Vote, error) {
	raw, ok, err := c.store.Get(ctx, store.CertKey(id))
	if err != nil {
		return nil, fmt.Errorf("reading certificate %s: %w", types.ShortID(id), err)
	}
	if !ok {
		return nil, nil
	}
	var votes []types.Vote
	if err := types.UnmarshalCBOR(raw, &votes); err != nil {
		return nil, fmt.Errorf("decoding certificate %s: %w", types.ShortID(id), err)
	}
	return votes, nil
}
