package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/priya/pkg/llm"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openStore(t *testing.T, mutate func(*Options)) (*SQLiteStore, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	opts := Options{
		Path:        filepath.Join(t.TempDir(), "state", "memory.db"),
		EmbedOnSave: true,
		Now:         clk.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	store, err := NewSQLiteStore(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, clk
}

func saveTurn(t *testing.T, s *SQLiteStore, user, scope, msg, reply string) int64 {
	t.Helper()
	id := s.Save(context.Background(), Record{UserID: user, ScopeID: scope, Content: s.FormatTurn(msg, reply)})
	require.Greater(t, id, int64(0))
	return id
}

func TestSQLiteStore_SaveThenRecallBySubstring(t *testing.T) {
	s, clk := openStore(t, nil)
	ctx := context.Background()

	saveTurn(t, s, "u1", "", "I just adopted a kitten named Mochi", "Aww, Mochi is such a cute name!")
	clk.Advance(time.Minute)
	saveTurn(t, s, "u1", "", "exams are next week", "You'll do great, don't stress")

	got := s.Recall(ctx, "u1", "how is mochi doing", RecallOptions{})
	require.NotEmpty(t, got)
	assert.Equal(t, llm.RoleUser, got[0].Role)
	found := false
	for _, m := range got {
		if strings.Contains(m.Content, "kitten named Mochi") {
			found = true
		}
	}
	assert.True(t, found, "saved memory should be recalled by a query that shares its words")
}

func TestSQLiteStore_RecallIsChronologicalPairs(t *testing.T) {
	s, clk := openStore(t, nil)
	saveTurn(t, s, "u1", "", "first message about tea", "tea is lovely")
	clk.Advance(time.Minute)
	saveTurn(t, s, "u1", "", "second message about tea", "more tea then")

	got := s.Recall(context.Background(), "u1", "tea", RecallOptions{})
	want := []llm.Message{
		llm.User("first message about tea"),
		llm.Assistant("tea is lovely"),
		llm.User("second message about tea"),
		llm.Assistant("more tea then"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("recall mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLiteStore_RecallNeverCrossesUsers(t *testing.T) {
	s, _ := openStore(t, nil)
	saveTurn(t, s, "alice", "", "my secret is pineapple pizza", "noted, pineapple pizza")
	saveTurn(t, s, "bob", "", "I hate pineapple", "fair enough")

	for _, m := range s.Recall(context.Background(), "bob", "pineapple pizza secret", RecallOptions{}) {
		assert.NotContains(t, m.Content, "secret")
	}
	assert.Empty(t, s.Recall(context.Background(), "carol", "pineapple", RecallOptions{}))
}

func TestSQLiteStore_RecallScopeFilter(t *testing.T) {
	s, _ := openStore(t, nil)
	saveTurn(t, s, "u1", "guild-a", "movie night in guild a", "popcorn ready")
	saveTurn(t, s, "u1", "guild-b", "movie night in guild b", "bring snacks")

	got := s.Recall(context.Background(), "u1", "movie night", RecallOptions{ScopeID: "guild-b"})
	require.Len(t, got, 2)
	assert.Equal(t, "movie night in guild b", got[0].Content)
}

func TestSQLiteStore_RecallRespectsTokenBudget(t *testing.T) {
	s, clk := openStore(t, nil)
	for i := 0; i < 6; i++ {
		saveTurn(t, s, "u1", "", fmt.Sprintf("story part %d %s", i, strings.Repeat("words ", 60)), "wow go on")
		clk.Advance(time.Minute)
	}
	got := s.Recall(context.Background(), "u1", "story", RecallOptions{MaxTokens: 300})
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, llm.CountTokens(got), 300)
	assert.Zero(t, len(got)%2)
}

func TestSQLiteStore_SummaryOnlyWithoutPairs(t *testing.T) {
	s, _ := openStore(t, nil)
	ctx := context.Background()
	_, err := s.SaveSummary(ctx, "u1", "", "They talked about cricket and chai.")
	require.NoError(t, err)

	got := s.Recall(ctx, "u1", "cricket", RecallOptions{})
	require.Len(t, got, 1)
	assert.Equal(t, llm.RoleSystem, got[0].Role)
	assert.Equal(t, "Previous conversation: They talked about cricket and chai.", got[0].Content)

	saveTurn(t, s, "u1", "", "cricket tonight?", "yes! India is playing")
	got = s.Recall(ctx, "u1", "cricket", RecallOptions{})
	require.Len(t, got, 2)
	for _, m := range got {
		assert.NotContains(t, m.Content, SummaryPrefix)
	}

	entries, err := s.Entries(ctx, "u1")
	require.NoError(t, err)
	require.True(t, entries[0].IsSummary())
	assert.Equal(t, "summary", entries[0].Metadata["type"])
	assert.InDelta(t, 0.7, entries[0].Importance, 1e-9)
}

func TestSQLiteStore_RecallCacheInvalidatedOnWrite(t *testing.T) {
	s, _ := openStore(t, nil)
	ctx := context.Background()
	saveTurn(t, s, "u1", "", "do you like dosa", "love dosa")

	first := s.Recall(ctx, "u1", "dosa", RecallOptions{})
	require.Len(t, first, 2)

	saveTurn(t, s, "u1", "", "masala dosa or plain dosa", "masala, always")
	second := s.Recall(ctx, "u1", "dosa", RecallOptions{})
	assert.Len(t, second, 4)
}

func TestSQLiteStore_RecallCacheExpires(t *testing.T) {
	s, clk := openStore(t, func(o *Options) { o.CacheTTL = time.Minute })
	key := recallKey("q", RecallOptions{MaxTokens: 10})
	s.cache.put("u1", key, []llm.Message{llm.User("x")})
	_, ok := s.cache.get("u1", key)
	require.True(t, ok)
	clk.Advance(2 * time.Minute)
	_, ok = s.cache.get("u1", key)
	assert.False(t, ok)
}

func TestSQLiteStore_StatsAndExport(t *testing.T) {
	s, clk := openStore(t, nil)
	ctx := context.Background()
	first := clk.Now()
	saveTurn(t, s, "u1", "", "hi", "hey")
	clk.Advance(time.Hour)
	require.Greater(t, s.Save(ctx, Record{UserID: "u1", Content: s.FormatTurn("bye", "see ya"), Importance: 0.9}), int64(0))

	st, err := s.UserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Count)
	assert.InDelta(t, 0.7, st.AvgImportance, 1e-9)
	assert.True(t, st.FirstTS.Equal(first))
	assert.True(t, st.LastTS.Equal(first.Add(time.Hour)))

	uc, err := s.UserContext(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, s.SaveUserContext(ctx, uc.Touch(clk.Now())))

	exp, err := s.ExportUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, exp.User)
	assert.Equal(t, 1, exp.User.ConversationCount)
	assert.Len(t, exp.Memories, 2)

	empty, err := s.ExportUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, empty.User)
	assert.Empty(t, empty.Memories)
}

func TestSQLiteStore_CleanupRetention(t *testing.T) {
	s, clk := openStore(t, nil)
	ctx := context.Background()

	oldLow := s.Save(ctx, Record{UserID: "u1", Content: s.FormatTurn("old trivia", "ok"), Importance: 0.1})
	s.Save(ctx, Record{UserID: "u1", Content: s.FormatTurn("old but important", "ok"), Importance: 0.8})
	oldFallback := s.Save(ctx, Record{UserID: "u1", Content: s.FormatTurn("old question", "sorry, lost my train of thought"), Importance: FallbackImportance})
	clk.Advance(100 * 24 * time.Hour)
	s.Save(ctx, Record{UserID: "u1", Content: s.FormatTurn("fresh trivia", "ok"), Importance: 0.1})
	require.Equal(t, 4, s.IndexSize())

	n, err := s.Cleanup(ctx, 90)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, 2, s.IndexSize())
	assert.False(t, s.index.has(oldLow))
	assert.False(t, s.index.has(oldFallback))

	count, err := s.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSQLiteStore_BackfillAndRestartRebuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(ctx, Options{Path: path})
	require.NoError(t, err)
	saveTurn(t, s, "u1", "", "remember the beach trip", "Goa was amazing")
	saveTurn(t, s, "u1", "", "and the mountains", "Manali next!")
	assert.Equal(t, 0, s.IndexSize(), "embeddings deferred")

	n, err := s.BackfillEmbeddings(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, s.IndexSize())
	n, err = s.BackfillEmbeddings(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(ctx, Options{Path: path})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 2, reopened.IndexSize())
	entries, err := reopened.Entries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].HasEmbedding)
}

func TestSQLiteStore_ClosedStoreDegrades(t *testing.T) {
	s, _ := openStore(t, nil)
	require.NoError(t, s.Close())
	assert.EqualValues(t, -1, s.Save(context.Background(), Record{UserID: "u1", Content: "x"}))
	assert.Nil(t, s.Recall(context.Background(), "u1", "x", RecallOptions{}))
}

func TestSQLiteStore_RejectsEmptyInput(t *testing.T) {
	s, _ := openStore(t, nil)
	_, err := s.Append(context.Background(), Record{UserID: "", Content: "x"})
	assert.ErrorIs(t, err, ErrEmptyUser)
	_, err = s.Append(context.Background(), Record{UserID: "u1", Content: "  "})
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestSQLiteStore_ProviderUsage(t *testing.T) {
	s, _ := openStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.SaveProviderUsage(ctx, "2026-05-01", map[string]int{"groq": 3, "gemini": 1}))
	require.NoError(t, s.SaveProviderUsage(ctx, "2026-05-01", map[string]int{"groq": 4}))

	got, err := s.LoadProviderUsage(ctx, "2026-05-01")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"groq": 4, "gemini": 1}, got)

	require.NoError(t, s.SaveProviderUsage(ctx, "2026-05-20", map[string]int{"groq": 1}))
	old, err := s.LoadProviderUsage(ctx, "2026-05-01")
	require.NoError(t, err)
	assert.Empty(t, old, "days older than a week are pruned")
}

func TestUserContext_TouchSaturates(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	uc := NewUserContext("u1", now)
	uc.FriendshipLevel = 99.6

	next := uc.Touch(now.Add(time.Minute))
	assert.Equal(t, 100.0, next.FriendshipLevel)
	assert.Equal(t, 1, next.ConversationCount)
	require.NotNil(t, next.LastInteraction)
	assert.Equal(t, 99.6, uc.FriendshipLevel, "Touch does not mutate the receiver")
	assert.Equal(t, StageBest, next.Stage())
}

func TestUserContext_Stages(t *testing.T) {
	cases := map[float64]Stage{
		0: StageStranger, 19.5: StageStranger, 20: StageAcquaintance,
		49.5: StageAcquaintance, 50: StageFriend, 70: StageClose, 89.5: StageClose, 90: StageBest,
	}
	for lvl, want := range cases {
		assert.Equal(t, want, UserContext{FriendshipLevel: lvl}.Stage(), "level %v", lvl)
	}
}

func TestUserContext_PersistRoundTrip(t *testing.T) {
	s, clk := openStore(t, nil)
	ctx := context.Background()

	uc, err := s.UserContext(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, uc.ConversationCount)
	for i := 0; i < 3; i++ {
		uc = uc.Touch(clk.Now())
		require.NoError(t, s.SaveUserContext(ctx, uc))
	}

	loaded, ok, err := s.LoadUserContext(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, loaded.ConversationCount)
	assert.Equal(t, 1.5, loaded.FriendshipLevel)
	n, err := s.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestVectorIndex_SearchFiltersByUser(t *testing.T) {
	x := newVectorIndex(3, 2)
	require.True(t, x.add(1, "a", []float32{1, 0, 0}))
	require.True(t, x.add(2, "b", []float32{1, 0, 0}))
	assert.False(t, x.add(3, "a", []float32{0, 1, 0}), "capacity reached")
	assert.False(t, x.add(4, "a", []float32{1, 0}), "wrong width")

	hits := x.search("a", []float32{1, 0, 0}, 5, 0.5)
	require.Len(t, hits, 1)
	assert.EqualValues(t, 1, hits[0].rowID)
}

func TestEmbedding_RoundTripAndSimilarity(t *testing.T) {
	e := NewEmbedder("")
	vec := e.Embed("chai and samosa")
	require.Len(t, vec, Dims)
	back, err := decodeVector(encodeVector(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, back)
	assert.InDelta(t, 1.0, dot(vec, vec), 1e-5)
	assert.Greater(t, dot(vec, e.Embed("samosa and chai")), dot(vec, e.Embed("quantum physics lecture")))
	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestEmbedding_HashModel(t *testing.T) {
	e := NewEmbedder("hash")
	assert.Equal(t, hashEmbeddingModel, e.ModelID())
	assert.Equal(t, defaultEmbeddingModel, NewEmbedder("chargram").ModelID())
	assert.Equal(t, defaultEmbeddingModel, NewEmbedder("no-such-model").ModelID())

	vec := e.Embed("monsoon trip to kerala")
	require.Len(t, vec, Dims)
	assert.InDelta(t, 1.0, dot(vec, vec), 1e-5)
	assert.Greater(t, dot(vec, e.Embed("kerala monsoon")), dot(vec, e.Embed("tax return deadline")))
}

func TestSQLiteStore_EmbedderSwitchRequeuesVectors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(ctx, Options{Path: path, EmbedOnSave: true})
	require.NoError(t, err)
	saveTurn(t, s, "u1", "", "my sister is visiting", "Yay, family time!")
	saveTurn(t, s, "u1", "", "we went to the market", "Buy anything fun?")
	require.Equal(t, 2, s.IndexSize())
	require.NoError(t, s.Close())

	same, err := NewSQLiteStore(ctx, Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 2, same.IndexSize(), "same model keeps vectors")
	require.NoError(t, same.Close())

	switched, err := NewSQLiteStore(ctx, Options{Path: path, Embedder: NewEmbedder("hash")})
	require.NoError(t, err)
	defer switched.Close()
	assert.Equal(t, hashEmbeddingModel, switched.EmbeddingModel())
	assert.Equal(t, 0, switched.IndexSize())

	n, err := switched.BackfillEmbeddings(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, switched.IndexSize())
}
