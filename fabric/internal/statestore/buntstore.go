package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/buntdb"

	"github.com/quartz-roseline/quartz/fabric/models"
)

// BuntStore is the production Store implementation.
type BuntStore struct {
	db *buntdb.DB
}

// Open opens (creating if absent) a buntdb file at path. Use ":memory:" for
// an ephemeral, process-local store (the default for tests and single-box
// demos).
func Open(path string) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, models.NewError("statestore.Open", models.KindConnection, err)
	}
	return &BuntStore{db: db}, nil
}

func timelineKey(name string) string { return "timeline:" + name }
func nodeKey(timeline, name string) string { return fmt.Sprintf("node:%s:%s", timeline, name) }
func nodePrefix(timeline string) string     { return fmt.Sprintf("node:%s:", timeline) }
func serverKey(name string) string          { return "server:" + name }
func tlServerKey(timeline, name string) string {
	return fmt.Sprintf("tlserver:%s:%s", timeline, name)
}
func tlServerPrefix(timeline string) string { return fmt.Sprintf("tlserver:%s:", timeline) }

func (s *BuntStore) CreateTimeline(ctx context.Context, t models.Timeline) (bool, error) {
	created := false
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(timelineKey(t.Name)); err == nil {
			return nil // already exists: idempotent no-op
		}
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(timelineKey(t.Name), string(data), nil); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, models.NewError("statestore.CreateTimeline", models.KindConnection, err)
	}
	return created, nil
}

func (s *BuntStore) GetTimeline(ctx context.Context, name string) (models.Timeline, error) {
	var t models.Timeline
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(timelineKey(name))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &t)
	})
	if err == buntdb.ErrNotFound {
		return models.Timeline{}, models.NewError("statestore.GetTimeline", models.KindNotFound, err)
	}
	if err != nil {
		return models.Timeline{}, models.NewError("statestore.GetTimeline", models.KindConnection, err)
	}
	return t, nil
}

func (s *BuntStore) SetTimelineQoT(ctx context.Context, name string, accuracyNs, resolutionNs int64) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(timelineKey(name))
		if err != nil {
			return err
		}
		var t models.Timeline
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return err
		}
		t.AccuracyNs = accuracyNs
		t.ResolutionNs = resolutionNs
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(timelineKey(name), string(data), nil)
		return err
	})
}

func (s *BuntStore) SetTimelineMeta(ctx context.Context, name, meta string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(timelineKey(name))
		if err != nil {
			return err
		}
		var t models.Timeline
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return err
		}
		t.Meta = meta
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(timelineKey(name), string(data), nil)
		return err
	})
}

func (s *BuntStore) DeleteTimeline(ctx context.Context, name string) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(timelineKey(name))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return models.NewError("statestore.DeleteTimeline", models.KindConnection, err)
	}
	return nil
}

func (s *BuntStore) ListTimelines(ctx context.Context) ([]models.Timeline, error) {
	var out []models.Timeline
	const prefix = "timeline:"
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			if !strings.HasPrefix(key, prefix) {
				return true
			}
			var t models.Timeline
			if json.Unmarshal([]byte(value), &t) == nil {
				out = append(out, t)
			}
			return true
		})
	})
	if err != nil {
		return nil, models.NewError("statestore.ListTimelines", models.KindConnection, err)
	}
	return out, nil
}

func (s *BuntStore) CountNodes(ctx context.Context, timeline, name string) (int, error) {
	count := 0
	err := s.db.View(func(tx *buntdb.Tx) error {
		_, err := tx.Get(nodeKey(timeline, name))
		if err == nil {
			count = 1
		} else if err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
	return count, err
}

func (s *BuntStore) InsertNode(ctx context.Context, n models.Node) (bool, error) {
	created := false
	err := s.db.Update(func(tx *buntdb.Tx) error {
		key := nodeKey(n.TimelineName, n.Name)
		if _, err := tx.Get(key); err == nil {
			return nil // idempotent no-op
		}
		tRaw, err := tx.Get(timelineKey(n.TimelineName))
		if err != nil {
			return err
		}
		var t models.Timeline
		if err := json.Unmarshal([]byte(tRaw), &t); err != nil {
			return err
		}
		t.NumNodes++
		tData, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(timelineKey(n.TimelineName), string(tData), nil); err != nil {
			return err
		}
		nData, err := json.Marshal(n)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(key, string(nData), nil); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, models.NewError("statestore.InsertNode", models.KindConnection, err)
	}
	return created, nil
}

func (s *BuntStore) GetNode(ctx context.Context, timeline, name string) (models.Node, error) {
	var n models.Node
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(nodeKey(timeline, name))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &n)
	})
	if err == buntdb.ErrNotFound {
		return models.Node{}, models.NewError("statestore.GetNode", models.KindNotFound, err)
	}
	if err != nil {
		return models.Node{}, models.NewError("statestore.GetNode", models.KindConnection, err)
	}
	return n, nil
}

func (s *BuntStore) ListNodes(ctx context.Context, timeline string) ([]models.Node, error) {
	var out []models.Node
	prefix := nodePrefix(timeline)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			if !strings.HasPrefix(key, prefix) {
				return true
			}
			var n models.Node
			if json.Unmarshal([]byte(value), &n) == nil {
				out = append(out, n)
			}
			return true
		})
	})
	if err != nil {
		return nil, models.NewError("statestore.ListNodes", models.KindConnection, err)
	}
	return out, nil
}

func (s *BuntStore) SetNodeQoT(ctx context.Context, timeline, name string, accuracyNs, resolutionNs int64) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		key := nodeKey(timeline, name)
		raw, err := tx.Get(key)
		if err != nil {
			return err
		}
		var n models.Node
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			return err
		}
		n.AccuracyNs = accuracyNs
		n.ResolutionNs = resolutionNs
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(key, string(data), nil)
		return err
	})
	if err == buntdb.ErrNotFound {
		return models.NewError("statestore.SetNodeQoT", models.KindNotFound, err)
	}
	if err != nil {
		return models.NewError("statestore.SetNodeQoT", models.KindConnection, err)
	}
	return nil
}

func (s *BuntStore) DeleteNode(ctx context.Context, timeline, name string) ([]models.Node, bool, bool, error) {
	var remaining []models.Node
	timelineDeleted := false
	removed := false
	err := s.db.Update(func(tx *buntdb.Tx) error {
		key := nodeKey(timeline, name)
		if _, err := tx.Get(key); err == buntdb.ErrNotFound {
			// Conflict/no-op: node already absent. Still report remaining set.
			remaining = listNodesTx(tx, timeline)
			return nil
		} else if err != nil {
			return err
		}
		removed = true

		tRaw, err := tx.Get(timelineKey(timeline))
		if err != nil {
			return err
		}
		var t models.Timeline
		if err := json.Unmarshal([]byte(tRaw), &t); err != nil {
			return err
		}
		if t.NumNodes <= 0 {
			return nil
		}

		if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		t.NumNodes--

		if t.NumNodes == 0 {
			if _, err := tx.Delete(timelineKey(timeline)); err != nil && err != buntdb.ErrNotFound {
				return err
			}
			timelineDeleted = true
			remaining = nil
			return nil
		}

		tData, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(timelineKey(timeline), string(tData), nil); err != nil {
			return err
		}
		remaining = listNodesTx(tx, timeline)
		return nil
	})
	if err != nil {
		return nil, false, false, models.NewError("statestore.DeleteNode", models.KindConnection, err)
	}
	return remaining, timelineDeleted, removed, nil
}

func listNodesTx(tx *buntdb.Tx, timeline string) []models.Node {
	var out []models.Node
	prefix := nodePrefix(timeline)
	_ = tx.AscendKeys(prefix+"*", func(key, value string) bool {
		if !strings.HasPrefix(key, prefix) {
			return true
		}
		var n models.Node
		if json.Unmarshal([]byte(value), &n) == nil {
			out = append(out, n)
		}
		return true
	})
	return out
}

func (s *BuntStore) InsertServer(ctx context.Context, srv models.Server) (bool, error) {
	created := false
	err := s.db.Update(func(tx *buntdb.Tx) error {
		key := serverKey(srv.Name)
		if _, err := tx.Get(key); err == nil {
			return nil
		}
		data, err := json.Marshal(srv)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(key, string(data), nil); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, models.NewError("statestore.InsertServer", models.KindConnection, err)
	}
	return created, nil
}

func (s *BuntStore) GetServer(ctx context.Context, name string) (models.Server, error) {
	var srv models.Server
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(serverKey(name))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &srv)
	})
	if err == buntdb.ErrNotFound {
		return models.Server{}, models.NewError("statestore.GetServer", models.KindNotFound, err)
	}
	if err != nil {
		return models.Server{}, models.NewError("statestore.GetServer", models.KindConnection, err)
	}
	return srv, nil
}

func (s *BuntStore) ListServers(ctx context.Context) ([]models.Server, error) {
	var out []models.Server
	const prefix = "server:"
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			if !strings.HasPrefix(key, prefix) {
				return true
			}
			var srv models.Server
			if json.Unmarshal([]byte(value), &srv) == nil {
				out = append(out, srv)
			}
			return true
		})
	})
	if err != nil {
		return nil, models.NewError("statestore.ListServers", models.KindConnection, err)
	}
	return out, nil
}

func (s *BuntStore) DeleteServer(ctx context.Context, name string) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(serverKey(name))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return models.NewError("statestore.DeleteServer", models.KindConnection, err)
	}
	return nil
}

func (s *BuntStore) InsertTimelineServer(ctx context.Context, ts models.TimelineServer) (bool, error) {
	created := false
	err := s.db.Update(func(tx *buntdb.Tx) error {
		key := tlServerKey(ts.TimelineName, ts.Name)
		if _, err := tx.Get(key); err == nil {
			return nil
		}
		data, err := json.Marshal(ts)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(key, string(data), nil); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, models.NewError("statestore.InsertTimelineServer", models.KindConnection, err)
	}
	return created, nil
}

func (s *BuntStore) ListTimelineServers(ctx context.Context, timeline string) ([]models.TimelineServer, error) {
	var out []models.TimelineServer
	prefix := tlServerPrefix(timeline)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			if !strings.HasPrefix(key, prefix) {
				return true
			}
			var ts models.TimelineServer
			if json.Unmarshal([]byte(value), &ts) == nil {
				out = append(out, ts)
			}
			return true
		})
	})
	if err != nil {
		return nil, models.NewError("statestore.ListTimelineServers", models.KindConnection, err)
	}
	return out, nil
}

func (s *BuntStore) DeleteTimelineServer(ctx context.Context, timeline, name string) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(tlServerKey(timeline, name))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return models.NewError("statestore.DeleteTimelineServer", models.KindConnection, err)
	}
	return nil
}

func (s *BuntStore) Close() error {
	return s.db.Close()
}
