package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trinitas-lab/tmws/internal/access"
	"github.com/trinitas-lab/tmws/internal/embedding"
	"github.com/trinitas-lab/tmws/internal/registry"
	"github.com/trinitas-lab/tmws/internal/storage"
	"github.com/trinitas-lab/tmws/pkg/types"
)

const testDim = 32

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	registry *registry.Registry
	limiter  *access.LocalLimiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore(testDim)
	reg, err := registry.New(context.Background(), store, zap.NewNop())
	require.NoError(t, err)
	gw := embedding.NewGateway(embedding.NewHashEmbedder(testDim), embedding.GatewayConfig{
		Window: time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(gw.Close)
	limiter := access.NewLocalLimiter(access.DefaultLimits())
	return &fixture{
		svc:      New(store, reg, gw, limiter, zap.NewNop()),
		store:    store,
		registry: reg,
		limiter:  limiter,
	}
}

func (f *fixture) agent(t *testing.T, id, ns, level string) *types.Agent {
	t.Helper()
	a, err := f.registry.Register(context.Background(), types.AgentSpec{
		AgentID:     id,
		Namespace:   ns,
		AccessLevel: level,
	}, true)
	require.NoError(t, err)
	return a
}

func TestCreateMemoryDefaults(t *testing.T) {
	f := newFixture(t)
	alice := f.agent(t, "alice", "teamA", types.AccessStandard)

	m, err := f.svc.CreateMemory(context.Background(), alice, CreateMemoryInput{
		Content: "the deployment runbook lives in the wiki",
		Tags:    []string{"ops", "Ops", "runbook"},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", m.OwnerID)
	assert.Equal(t, "teamA", m.Namespace)
	assert.Equal(t, types.MemoryPrivate, m.AccessLevel)
	assert.Equal(t, 0.5, m.Importance)
	assert.Equal(t, []string{"ops", "Ops", "runbook"}, m.Tags)
	assert.Len(t, m.Embedding, testDim)
}

func TestCreateMemoryValidation(t *testing.T) {
	f := newFixture(t)
	alice := f.agent(t, "alice", "teamA", types.AccessStandard)
	ctx := context.Background()

	_, err := f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: ""})
	assert.True(t, types.IsKind(err, types.KindValidation), "empty content")

	bad := 1.5
	_, err = f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: "x", Importance: &bad})
	assert.True(t, types.IsKind(err, types.KindValidation), "importance out of range")

	_, err = f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: "x", AccessLevel: "secret"})
	assert.True(t, types.IsKind(err, types.KindValidation), "unknown level")

	_, err = f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: "x", AccessLevel: types.MemoryShared})
	assert.True(t, types.IsKind(err, types.KindValidation), "shared without grantees")

	_, err = f.svc.CreateMemory(ctx, alice, CreateMemoryInput{
		Content:   "x",
		ShareWith: map[string]types.Permission{"nobody": types.PermRead},
	})
	assert.True(t, types.IsKind(err, types.KindUnknownAgent), "unknown grantee")
}

func TestCreateMemoryShareWith(t *testing.T) {
	f := newFixture(t)
	alice := f.agent(t, "alice", "teamA", types.AccessStandard)
	f.agent(t, "bob", "teamA", types.AccessStandard)

	m, err := f.svc.CreateMemory(context.Background(), alice, CreateMemoryInput{
		Content:   "shared from birth",
		ShareWith: map[string]types.Permission{"bob": types.PermRead},
	})
	require.NoError(t, err)
	assert.Equal(t, types.MemoryShared, m.AccessLevel)
	assert.Equal(t, types.PermRead, m.SharedWith["bob"])
}

func TestCreateMemoryAsAgent(t *testing.T) {
	f := newFixture(t)
	standard := f.agent(t, "worker", "teamA", types.AccessStandard)
	elevated := f.agent(t, "lead", "teamA", types.AccessElevated)
	f.agent(t, "other", "teamA", types.AccessStandard)
	ctx := context.Background()

	_, err := f.svc.CreateMemory(ctx, standard, CreateMemoryInput{Content: "x", AsAgent: "other"})
	assert.True(t, types.IsKind(err, types.KindPermission))

	m, err := f.svc.CreateMemory(ctx, elevated, CreateMemoryInput{Content: "x", AsAgent: "other"})
	require.NoError(t, err)
	assert.Equal(t, "other", m.OwnerID)
}

func TestCreateMemoryParentChain(t *testing.T) {
	f := newFixture(t)
	alice := f.agent(t, "alice", "teamA", types.AccessStandard)
	ctx := context.Background()

	root, err := f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: "root"})
	require.NoError(t, err)
	child, err := f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: "child", ParentID: &root.ID})
	require.NoError(t, err)
	assert.Equal(t, root.ID, *child.ParentID)

	missing := uuid.New()
	_, err = f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: "orphan", ParentID: &missing})
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestSearchAccessFiltering(t *testing.T) {
	f := newFixture(t)
	alice := f.agent(t, "alice", "teamA", types.AccessStandard)
	bob := f.agent(t, "bob", "teamB", types.AccessStandard)
	ctx := context.Background()

	_, err := f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: "secret launch codes for the orbital rocket"})
	require.NoError(t, err)
	pub, err := f.svc.CreateMemory(ctx, alice, CreateMemoryInput{
		Content:     "public launch schedule for the orbital rocket",
		AccessLevel: types.MemoryPublic,
	})
	require.NoError(t, err)

	query := "launch schedule for the orbital rocket"
	got, err := f.svc.SearchMemories(ctx, bob, SearchInput{Query: query, IncludeShared: true})
	require.NoError(t, err)
	require.Len(t, got, 1, "private row is invisible to strangers")
	assert.Equal(t, pub.ID, got[0].Memory.ID)

	mine, err := f.svc.SearchMemories(ctx, alice, SearchInput{Query: query, IncludeShared: true})
	require.NoError(t, err)
	assert.Len(t, mine, 2, "owner sees both")
}

func TestSearchBumpsAccessCount(t *testing.T) {
	f := newFixture(t)
	alice := f.agent(t, "alice", "teamA", types.AccessStandard)
	ctx := context.Background()

	m, err := f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: "remember the milk"})
	require.NoError(t, err)

	_, err = f.svc.SearchMemories(ctx, alice, SearchInput{Query: "remember the milk", IncludeShared: true})
	require.NoError(t, err)

	got, err := f.store.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AccessCount)
}

func TestSearchRateLimited(t *testing.T) {
	store := storage.NewMemoryStore(testDim)
	reg, err := registry.New(context.Background(), store, zap.NewNop())
	require.NoError(t, err)
	gw := embedding.NewGateway(embedding.NewHashEmbedder(testDim), embedding.GatewayConfig{
		Window: time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(gw.Close)
	svc := New(store, reg, gw,
		access.NewLocalLimiter(access.Limits{Searches: 1, Window: time.Minute}),
		zap.NewNop())

	alice := &types.Agent{AgentID: "alice", Namespace: "teamA", AccessLevel: types.AccessStandard, IsActive: true}
	_, err = svc.SearchMemories(context.Background(), alice, SearchInput{Query: "x", IncludeShared: true})
	require.NoError(t, err)
	_, err = svc.SearchMemories(context.Background(), alice, SearchInput{Query: "x", IncludeShared: true})
	assert.True(t, types.IsKind(err, types.KindRateLimited))
	assert.Greater(t, types.RetryAfterOf(err), 0)
}

func TestShareFlipsLevelAndRestores(t *testing.T) {
	f := newFixture(t)
	alice := f.agent(t, "alice", "teamA", types.AccessStandard)
	bob := f.agent(t, "bob", "teamB", types.AccessStandard)
	ctx := context.Background()

	m, err := f.svc.CreateMemory(ctx, alice, CreateMemoryInput{
		Content:     "quarterly numbers",
		AccessLevel: types.MemoryTeam,
	})
	require.NoError(t, err)

	shared, err := f.svc.ShareMemory(ctx, alice, m.ID, []string{"bob"}, types.PermRead)
	require.NoError(t, err)
	assert.Equal(t, types.MemoryShared, shared.AccessLevel)
	assert.Equal(t, types.PermRead, shared.SharedWith["bob"])

	// The grantee can now read it through search.
	got, err := f.svc.SearchMemories(ctx, bob, SearchInput{Query: "quarterly numbers", IncludeShared: true})
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Clearing the grants restores the remembered level.
	restored, err := f.svc.ShareMemory(ctx, alice, m.ID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, types.MemoryTeam, restored.AccessLevel)
	assert.Empty(t, restored.SharedWith)
}

func TestShareRequiresOwnership(t *testing.T) {
	f := newFixture(t)
	alice := f.agent(t, "alice", "teamA", types.AccessStandard)
	bob := f.agent(t, "bob", "teamA", types.AccessStandard)
	admin := f.agent(t, "boss", "teamA", types.AccessAdmin)
	ctx := context.Background()

	m, err := f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: "mine"})
	require.NoError(t, err)

	_, err = f.svc.ShareMemory(ctx, bob, m.ID, []string{"bob"}, types.PermRead)
	assert.True(t, types.IsKind(err, types.KindPermission))

	_, err = f.svc.ShareMemory(ctx, admin, m.ID, []string{"bob"}, types.PermRead)
	require.NoError(t, err, "admin may share on behalf of the owner")
}

func TestUpdateMemoryReembedsOnContentChange(t *testing.T) {
	f := newFixture(t)
	alice := f.agent(t, "alice", "teamA", types.AccessStandard)
	ctx := context.Background()

	m, err := f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: "alpha release notes"})
	require.NoError(t, err)
	before := append([]float32(nil), m.Embedding...)

	content := "completely different topic about databases"
	updated, err := f.svc.UpdateMemory(ctx, alice, m.ID, &types.MemoryPatch{Content: &content})
	require.NoError(t, err)
	assert.Equal(t, content, updated.Content)
	assert.NotEqual(t, before, updated.Embedding)
}

func TestUpdateMemoryAccessDenied(t *testing.T) {
	f := newFixture(t)
	alice := f.agent(t, "alice", "teamA", types.AccessStandard)
	bob := f.agent(t, "bob", "teamB", types.AccessStandard)
	ctx := context.Background()

	m, err := f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: "mine"})
	require.NoError(t, err)

	imp := 0.9
	_, err = f.svc.UpdateMemory(ctx, bob, m.ID, &types.MemoryPatch{Importance: &imp})
	assert.True(t, types.IsKind(err, types.KindPermission))

	shared := types.MemoryShared
	_, err = f.svc.UpdateMemory(ctx, alice, m.ID, &types.MemoryPatch{AccessLevel: &shared})
	assert.True(t, types.IsKind(err, types.KindValidation), "shared level only via share_memory")
}

func TestDeleteSoftAndHard(t *testing.T) {
	f := newFixture(t)
	alice := f.agent(t, "alice", "teamA", types.AccessStandard)
	admin := f.agent(t, "boss", "teamA", types.AccessAdmin)
	ctx := context.Background()

	m, err := f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: "ephemeral"})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteMemory(ctx, alice, m.ID, false))
	got, err := f.store.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.IsArchived, "default delete is a soft archive")

	err = f.svc.DeleteMemory(ctx, alice, m.ID, true)
	assert.True(t, types.IsKind(err, types.KindPermission), "hard delete needs admin")

	require.NoError(t, f.svc.DeleteMemory(ctx, admin, m.ID, true))
	_, err = f.store.GetMemory(ctx, m.ID)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestRecallPagingAndAccess(t *testing.T) {
	f := newFixture(t)
	alice := f.agent(t, "alice", "teamA", types.AccessStandard)
	bob := f.agent(t, "bob", "teamB", types.AccessStandard)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: "note " + string(rune('a'+i))})
		require.NoError(t, err)
	}
	_, err := f.svc.CreateMemory(ctx, alice, CreateMemoryInput{
		Content:     "broadcast",
		AccessLevel: types.MemoryPublic,
	})
	require.NoError(t, err)

	mine, err := f.svc.Recall(ctx, alice, RecallInput{AgentID: "alice"})
	require.NoError(t, err)
	assert.Len(t, mine, 6)

	page, err := f.svc.Recall(ctx, alice, RecallInput{AgentID: "alice", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	theirs, err := f.svc.Recall(ctx, bob, RecallInput{AgentID: "alice"})
	require.NoError(t, err)
	require.Len(t, theirs, 1, "only the public row crosses the namespace")
	assert.Equal(t, "broadcast", theirs[0].Content)
}

func TestStatistics(t *testing.T) {
	f := newFixture(t)
	alice := f.agent(t, "alice", "teamA", types.AccessStandard)
	bob := f.agent(t, "bob", "teamB", types.AccessStandard)
	lead := f.agent(t, "lead", "teamA", types.AccessElevated)
	ctx := context.Background()

	_, err := f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: "one"})
	require.NoError(t, err)
	_, err = f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: "two", AccessLevel: types.MemoryPublic})
	require.NoError(t, err)

	own, err := f.svc.Statistics(ctx, alice, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), own.TotalMemories)
	assert.Equal(t, int64(1), own.ByAccessLevel[types.MemoryPrivate])
	assert.Equal(t, int64(1), own.ByAccessLevel[types.MemoryPublic])

	_, err = f.svc.Statistics(ctx, bob, "alice")
	assert.True(t, types.IsKind(err, types.KindPermission))

	other, err := f.svc.Statistics(ctx, lead, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", other.AgentID)
}

func TestUpdateMemorySanitisesTags(t *testing.T) {
	f := newFixture(t)
	alice := f.agent(t, "alice", "teamA", types.AccessStandard)
	ctx := context.Background()

	m, err := f.svc.CreateMemory(ctx, alice, CreateMemoryInput{Content: "tag hygiene"})
	require.NoError(t, err)

	updated, err := f.svc.UpdateMemory(ctx, alice, m.ID, &types.MemoryPatch{
		Tags: []string{"  ops  ", "ops", "runbook"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ops", "runbook"}, updated.Tags)

	updated, err = f.svc.UpdateMemory(ctx, alice, m.ID, &types.MemoryPatch{
		AddTags: []string{" deploy "},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ops", "runbook", "deploy"}, updated.Tags)

	updated, err = f.svc.UpdateMemory(ctx, alice, m.ID, &types.MemoryPatch{
		RemoveTags: []string{"  runbook"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ops", "deploy"}, updated.Tags)
}
