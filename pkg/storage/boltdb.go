package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketServiceDefs = []byte("servicedefs")
	bucketPools       = []byte("pools")
	bucketResources   = []byte("resources")
	bucketAssignments = []byte("assignments")
	bucketTasks       = []byte("tasks")
	bucketTickets     = []byte("tickets")
	bucketActorTokens = []byte("actor_tokens")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketServiceDefs,
			bucketPools,
			bucketResources,
			bucketAssignments,
			bucketTasks,
			bucketTickets,
			bucketActorTokens,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

// Service definition operations
func (s *BoltStore) CreateServiceDef(def *types.ServiceDefinition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketServiceDefs, def.ID, def)
	})
}

func (s *BoltStore) GetServiceDef(id string) (*types.ServiceDefinition, error) {
	var def types.ServiceDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServiceDefs).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("service definition " + id)
		}
		return json.Unmarshal(data, &def)
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *BoltStore) GetServiceDefByName(name string) (*types.ServiceDefinition, error) {
	var found *types.ServiceDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServiceDefs).ForEach(func(k, v []byte) error {
			var def types.ServiceDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return err
			}
			if def.Name == name {
				found = &def
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.NotFound("service definition " + name)
	}
	return found, nil
}

func (s *BoltStore) ListServiceDefs() ([]*types.ServiceDefinition, error) {
	var defs []*types.ServiceDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServiceDefs).ForEach(func(k, v []byte) error {
			var def types.ServiceDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return err
			}
			defs = append(defs, &def)
			return nil
		})
	})
	return defs, err
}

func (s *BoltStore) UpdateServiceDef(def *types.ServiceDefinition) error {
	return s.CreateServiceDef(def) // Same as create (upsert)
}

func (s *BoltStore) DeleteServiceDef(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServiceDefs).Delete([]byte(id))
	})
}

// Pool operations
func (s *BoltStore) CreatePool(pool *types.Pool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketPools, pool.ID, pool)
	})
}

func (s *BoltStore) GetPool(id string) (*types.Pool, error) {
	var pool types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPools).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("pool " + id)
		}
		return json.Unmarshal(data, &pool)
	})
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

func (s *BoltStore) GetPoolByName(name string) (*types.Pool, error) {
	var found *types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).ForEach(func(k, v []byte) error {
			var pool types.Pool
			if err := json.Unmarshal(v, &pool); err != nil {
				return err
			}
			if pool.Name == name {
				found = &pool
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.NotFound("pool " + name)
	}
	return found, nil
}

func (s *BoltStore) ListPools() ([]*types.Pool, error) {
	var pools []*types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).ForEach(func(k, v []byte) error {
			var pool types.Pool
			if err := json.Unmarshal(v, &pool); err != nil {
				return err
			}
			pools = append(pools, &pool)
			return nil
		})
	})
	return pools, err
}

func (s *BoltStore) UpdatePool(pool *types.Pool) error {
	return s.CreatePool(pool)
}

func (s *BoltStore) DeletePool(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).Delete([]byte(id))
	})
}

// Resource operations
func (s *BoltStore) CreateResource(res *types.Resource) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketResources, res.ID, res)
	})
}

func (s *BoltStore) GetResource(id string) (*types.Resource, error) {
	var res types.Resource
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResources).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("resource " + id)
		}
		return json.Unmarshal(data, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *BoltStore) ListResources() ([]*types.Resource, error) {
	var resources []*types.Resource
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
			var res types.Resource
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			resources = append(resources, &res)
			return nil
		})
	})
	return resources, err
}

func (s *BoltStore) ListResourcesByPool(poolID string) ([]*types.Resource, error) {
	resources, err := s.ListResources()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Resource
	for _, res := range resources {
		if res.PoolID == poolID {
			filtered = append(filtered, res)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateResource(res *types.Resource) error {
	return s.CreateResource(res)
}

func (s *BoltStore) DeleteResource(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).Delete([]byte(id))
	})
}

// CASResourceState applies a conditional state transition inside a single
// write transaction. This is the mutual-exclusion primitive: concurrent
// claimants of the same resource serialize here, and exactly one sees the
// expected previous state.
func (s *BoltStore) CASResourceState(cas ResourceCAS) (*types.Resource, error) {
	var res types.Resource
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResources)
		data := b.Get([]byte(cas.ID))
		if data == nil {
			return errdefs.NotFound("resource " + cas.ID)
		}
		if err := json.Unmarshal(data, &res); err != nil {
			return err
		}

		if res.State != cas.ExpectedState {
			return errdefs.Conflict(fmt.Sprintf("resource %s is %s, expected %s",
				cas.ID, res.State, cas.ExpectedState))
		}
		if cas.ExpectedVersion != 0 && res.Version != cas.ExpectedVersion {
			return errdefs.Conflict(fmt.Sprintf("resource %s at version %d, expected %d",
				cas.ID, res.Version, cas.ExpectedVersion))
		}

		now := cas.Now
		if now.IsZero() {
			now = time.Now()
		}

		res.State = cas.NewState
		res.Version++
		res.UpdatedAt = now
		if cas.ProviderID != nil {
			res.ProviderID = *cas.ProviderID
		}
		if cas.Endpoint != nil {
			res.Endpoint = cas.Endpoint
		}
		if cas.AgentReady != nil {
			res.AgentReady = *cas.AgentReady
		}
		if cas.Error != nil {
			res.Error = *cas.Error
		}
		if cas.IncrementUse {
			res.UseCount++
		}
		if cas.TouchAssign {
			res.LastAssignedAt = now
		}

		return putJSON(tx, bucketResources, res.ID, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Assignment operations

// CreateAssignment enforces the exclusivity invariants inside the write
// transaction: no second active assignment for the resource, and no second
// active assignment for the (user, service definition) pair unless the
// definition allows multi-session.
func (s *BoltStore) CreateAssignment(a *types.Assignment, multiSession bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssignments)
		err := b.ForEach(func(k, v []byte) error {
			var existing types.Assignment
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.State != types.AssignmentStateActive {
				return nil
			}
			if existing.ResourceID == a.ResourceID {
				return errdefs.Conflict("resource " + a.ResourceID + " already assigned")
			}
			if !multiSession && existing.UserID == a.UserID && existing.ServiceDefID == a.ServiceDefID {
				return errdefs.Conflict("user " + a.UserID + " already has an active assignment")
			}
			return nil
		})
		if err != nil {
			return err
		}
		return putJSON(tx, bucketAssignments, a.ID, a)
	})
}

func (s *BoltStore) GetAssignment(id string) (*types.Assignment, error) {
	var a types.Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAssignments).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("assignment " + id)
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListAssignments() ([]*types.Assignment, error) {
	var assignments []*types.Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssignments).ForEach(func(k, v []byte) error {
			var a types.Assignment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			assignments = append(assignments, &a)
			return nil
		})
	})
	return assignments, err
}

func (s *BoltStore) UpdateAssignment(a *types.Assignment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketAssignments, a.ID, a)
	})
}

func (s *BoltStore) DeleteAssignment(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssignments).Delete([]byte(id))
	})
}

// Task operations
func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketTasks, task.ID, task)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("task " + id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task)
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

// Ticket operations
func (s *BoltStore) CreateTicket(t *types.TunnelTicket) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketTickets, t.ID, t)
	})
}

func (s *BoltStore) GetTicket(id string) (*types.TunnelTicket, error) {
	var t types.TunnelTicket
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTickets).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("ticket")
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListTickets() ([]*types.TunnelTicket, error) {
	var tickets []*types.TunnelTicket
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTickets).ForEach(func(k, v []byte) error {
			var t types.TunnelTicket
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tickets = append(tickets, &t)
			return nil
		})
	})
	return tickets, err
}

func (s *BoltStore) DeleteTicket(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTickets).Delete([]byte(id))
	})
}

// RedeemTicket consumes a ticket inside one write transaction, so exactly
// one redemption wins regardless of concurrent attempts.
func (s *BoltStore) RedeemTicket(id string, now time.Time) (*types.TunnelTicket, error) {
	var t types.TunnelTicket
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTickets)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("ticket")
		}
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if t.State == types.TicketStateConsumed {
			return errdefs.ErrTicketAlreadyUsed
		}
		if now.After(t.ExpiresAt) {
			return errdefs.ErrTicketExpired
		}
		t.State = types.TicketStateConsumed
		t.ConsumedAt = now
		return putJSON(tx, bucketTickets, t.ID, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Actor token operations
func (s *BoltStore) PutActorToken(t *types.ActorToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketActorTokens, t.Token, t)
	})
}

func (s *BoltStore) GetActorToken(token string) (*types.ActorToken, error) {
	var t types.ActorToken
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketActorTokens).Get([]byte(token))
		if data == nil {
			return errdefs.NotFound("actor token")
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) DeleteActorTokensByResource(resourceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActorTokens)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var t types.ActorToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.ResourceID == resourceID {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
