package mongostore

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/config"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
)

func TestAcquireFilter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	f := acquireFilter("u1", now, time.Minute)
	if f["_id"] != "u1" {
		t.Fatalf("filter must pin _id, got %v", f)
	}
	or, ok := f["$or"].(bson.A)
	if !ok || len(or) != 4 {
		t.Fatalf("expected 4 free-flag alternatives, got %#v", f["$or"])
	}
	stale := or[3].(bson.M)["processing_since"].(bson.M)["$lt"].(time.Time)
	if !stale.Equal(now.Add(-time.Minute)) {
		t.Fatalf("stale threshold = %v; want %v", stale, now.Add(-time.Minute))
	}

	// Without a lease, only an idle flag can be acquired.
	f = acquireFilter("u1", now, 0)
	if or := f["$or"].(bson.A); len(or) != 2 {
		t.Fatalf("expected only idle alternatives without lease, got %d", len(or))
	}
}

func TestDrainDocs(t *testing.T) {
	now := time.Now().UTC()
	drained := []domain.Turn{{ID: "p1"}, {ID: "p2"}}
	turns := []domain.Turn{{ID: "t1", Role: domain.RoleUser}, {ID: "t2", Role: domain.RoleAssistant}}

	filter, update := drainDocs("u1", drained, turns, now)
	all := filter["pending_messages.id"].(bson.M)["$all"].(bson.A)
	if len(all) != 2 || all[0] != "p1" || all[1] != "p2" {
		t.Fatalf("filter must require every drained id, got %#v", filter)
	}
	if _, ok := update["$pull"]; !ok {
		t.Fatalf("expected $pull in update: %#v", update)
	}
	each := update["$push"].(bson.M)["messages"].(bson.M)["$each"].([]domain.Turn)
	if len(each) != 2 {
		t.Fatalf("expected both turns pushed, got %d", len(each))
	}

	filter, update = drainDocs("u1", nil, turns, now)
	if _, ok := filter["pending_messages.id"]; ok {
		t.Fatalf("no drained ids means no pending condition")
	}
	if _, ok := update["$pull"]; ok {
		t.Fatalf("no drained ids means no $pull")
	}
}

func TestUpdateDoc(t *testing.T) {
	now := time.Now().UTC()
	busy, idle := true, false
	thread := "th"

	u := updateDoc(domain.ConversationPatch{IsProcessing: &busy, ThreadID: &thread}, now, "L1")
	set := u["$set"].(bson.M)
	if set["is_processing"] != true || set["processing_since"] != now || set["thread_id"] != "th" || set["lease"] != "L1" {
		t.Fatalf("unexpected $set: %#v", set)
	}

	u = updateDoc(domain.ConversationPatch{IsProcessing: &idle, UserInfo: &domain.UserInfo{DisplayName: "A"}}, now, "L2")
	unset := u["$unset"].(bson.M)
	if _, ok := unset["processing_since"]; !ok {
		t.Fatalf("clearing the flag must unset the lease start: %#v", u)
	}
	if _, ok := unset["lease"]; !ok {
		t.Fatalf("clearing the flag must revoke the lease: %#v", u)
	}
	if _, ok := u["$set"].(bson.M)["lease"]; ok {
		t.Fatalf("an idle patch must not start a lease: %#v", u)
	}
	if u["$set"].(bson.M)["user_info"].(domain.UserInfo).DisplayName != "A" {
		t.Fatalf("user_info not set: %#v", u)
	}
}

func TestReleaseFilter_FencedOnLease(t *testing.T) {
	f := releaseFilter("u1", "L1")
	if f["_id"] != "u1" || f["is_processing"] != true || f["lease"] != "L1" {
		t.Fatalf("release must match only the current holder, got %#v", f)
	}
	if or, ok := f["$or"].(bson.A); !ok || len(or) != 3 {
		t.Fatalf("release must also require an empty queue, got %#v", f["$or"])
	}

	u := clearFlagDoc(time.Now().UTC())
	unset := u["$unset"].(bson.M)
	if _, ok := unset["lease"]; !ok {
		t.Fatalf("clearing must drop the lease: %#v", u)
	}
	if u["$set"].(bson.M)["is_processing"] != false {
		t.Fatalf("clearing must reset the flag: %#v", u)
	}
}

// The tests below need a MongoDB server and run only when MONGO_TEST_URI is set.

func newLiveStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Connect(ctx, config.StoreConfig{MongoURI: uri, MongoDatabase: "linebot_test_" + uuid.NewString()[:8]})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = s.coll.Database().Drop(context.Background())
		_ = s.Close(context.Background())
	})
	return s
}

func userTurn(content string) domain.Turn {
	return domain.Turn{ID: uuid.NewString(), Role: domain.RoleUser, Content: content, CreatedAt: time.Now().UTC()}
}

func TestLive_StateTransitions(t *testing.T) {
	s := newLiveStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &domain.UserConversation{UserID: "u1", ThreadID: "th"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, &domain.UserConversation{UserID: "u1"}); !errors.Is(err, domain.ErrConversationExists) {
		t.Fatalf("expected ErrConversationExists, got %v", err)
	}

	first, err := s.AcquireOrQueue(ctx, "u1", userTurn("a"), time.Minute)
	if err != nil || !first.Acquired || first.Lease == "" {
		t.Fatalf("acquire = %+v %v", first, err)
	}
	acq, err := s.AcquireOrQueue(ctx, "u1", userTurn("b"), time.Minute)
	if err != nil || acq.Acquired {
		t.Fatalf("queue = %+v %v", acq, err)
	}
	if ok, err := s.Release(ctx, "u1", first.Lease); err != nil || ok {
		t.Fatalf("release with pending = %v %v", ok, err)
	}
	got, _ := s.Get(ctx, "u1")
	if err := s.CommitDrain(ctx, "u1", got.PendingMessages, userTurn("b")); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := s.CommitDrain(ctx, "u1", got.PendingMessages, userTurn("b")); !errors.Is(err, domain.ErrDrainConflict) {
		t.Fatalf("expected ErrDrainConflict, got %v", err)
	}
	if ok, err := s.Release(ctx, "u1", first.Lease); err != nil || !ok {
		t.Fatalf("release = %v %v", ok, err)
	}
	got, _ = s.Get(ctx, "u1")
	if got.IsProcessing || len(got.PendingMessages) != 0 || len(got.Messages) != 1 {
		t.Fatalf("unexpected final state: %+v", got)
	}
}

func TestLive_StaleHolderIsFenced(t *testing.T) {
	s := newLiveStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, &domain.UserConversation{UserID: "u1", ThreadID: "th"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	a, err := s.AcquireOrQueue(ctx, "u1", userTurn("a"), time.Minute)
	if err != nil || !a.Acquired {
		t.Fatalf("A acquire = %+v %v", a, err)
	}
	if _, err := s.coll.UpdateOne(ctx, bson.M{"_id": "u1"}, bson.M{"$set": bson.M{"processing_since": time.Now().UTC().Add(-time.Hour)}}); err != nil {
		t.Fatalf("age lease: %v", err)
	}
	b, err := s.AcquireOrQueue(ctx, "u1", userTurn("b"), time.Minute)
	if err != nil || !b.Acquired || !b.Stale {
		t.Fatalf("B takeover = %+v %v", b, err)
	}

	if ok, err := s.Release(ctx, "u1", a.Lease); ok || !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("A.Release = %v %v, want ErrLeaseLost", ok, err)
	}
	if err := s.Abandon(ctx, "u1", a.Lease); !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("A.Abandon = %v, want ErrLeaseLost", err)
	}
	if c, err := s.AcquireOrQueue(ctx, "u1", userTurn("c"), time.Minute); err != nil || c.Acquired {
		t.Fatalf("C must queue behind B, got %+v %v", c, err)
	}
	if err := s.Abandon(ctx, "u1", b.Lease); err != nil {
		t.Fatalf("B.Abandon: %v", err)
	}
	got, _ := s.Get(ctx, "u1")
	if got.IsProcessing || got.Lease != "" || len(got.PendingMessages) != 1 {
		t.Fatalf("unexpected state after abandon: %+v", got)
	}
}

func TestLive_ConcurrentAcquireOnlyOneWins(t *testing.T) {
	s := newLiveStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, &domain.UserConversation{UserID: "u1", ThreadID: "th"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 10
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acq, err := s.AcquireOrQueue(ctx, "u1", userTurn("m"), time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if acq.Acquired {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
	got, _ := s.Get(ctx, "u1")
	if len(got.PendingMessages) != n-1 {
		t.Fatalf("expected %d pending, got %d", n-1, len(got.PendingMessages))
	}
}
