package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/nuwa/skyeye-bot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	store, err := Open("sqlite", "file::memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func insult(tweetID, authorID, author, thread, target string) *models.ProcessedMention {
	record := &models.ProcessedMention{
		TweetID:        tweetID,
		AuthorID:       authorID,
		AuthorUsername: author,
		TweetText:      "喷他 @" + target,
		TriggerType:    models.TriggerInsult,
		TargetHandle:   strPtr(target),
	}
	if thread != "" {
		record.ThreadRootID = strPtr(thread)
	}
	return record
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", "")
	assert.Error(t, err)
}

func TestGormStore_MentionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	processed, err := store.IsMentionProcessed(ctx, "100")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, store.CreateMention(ctx, insult("100", "u1", "alice", "", "Bob")))

	processed, err = store.IsMentionProcessed(ctx, "100")
	require.NoError(t, err)
	assert.True(t, processed)

	record, err := store.GetMention(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, record.Status)
	assert.Equal(t, "bob", *record.TargetHandle)
	assert.NotEmpty(t, record.ID)
	assert.Nil(t, record.ProcessedAt)

	require.NoError(t, store.CompleteMention(ctx, "100", "555", "@bob roast"))
	record, err = store.GetMention(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, record.Status)
	assert.Equal(t, "555", *record.ReplyTweetID)
	assert.Equal(t, "@bob roast", *record.ReplyText)
	assert.NotNil(t, record.ProcessedAt)

	assert.ErrorIs(t, store.FailMention(ctx, "404", "boom"), ErrNotFound)
	_, err = store.GetMention(ctx, "404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_FailMention(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateMention(ctx, insult("1", "u1", "alice", "", "bob")))
	require.NoError(t, store.FailMention(ctx, "1", "upstream down"))

	record, err := store.GetMention(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, record.Status)
	assert.Equal(t, "upstream down", *record.ErrorMessage)
	assert.Nil(t, record.ReplyTweetID)
}

func TestGormStore_CreateMention_Duplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateMention(ctx, insult("100", "u1", "alice", "", "bob")))
	err := store.CreateMention(ctx, insult("100", "u1", "alice", "", "bob"))
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestGormStore_CreateMention_ConcurrentInsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.CreateMention(ctx, insult("race", "u1", "alice", "", "bob"))
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyProcessed)
	}
	assert.Equal(t, 1, created)
}

func TestGormStore_IsThreadRequesterProcessed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	handled, err := store.IsThreadRequesterProcessed(ctx, "", "u1")
	require.NoError(t, err)
	assert.False(t, handled, "mentions outside a thread never match")

	require.NoError(t, store.CreateMention(ctx, insult("1", "u1", "alice", "root", "bob")))

	handled, err = store.IsThreadRequesterProcessed(ctx, "root", "u1")
	require.NoError(t, err)
	assert.False(t, handled, "processing records do not count")

	require.NoError(t, store.CompleteMention(ctx, "1", "r1", "@bob x"))

	handled, err = store.IsThreadRequesterProcessed(ctx, "root", "u1")
	require.NoError(t, err)
	assert.True(t, handled)

	handled, err = store.IsThreadRequesterProcessed(ctx, "root", "u2")
	require.NoError(t, err)
	assert.False(t, handled)

	// A completed image lookup in the same thread is not an insult
	lookup := &models.ProcessedMention{
		TweetID: "2", AuthorID: "u3", AuthorUsername: "carol", TweetText: "这是谁",
		TriggerType: models.TriggerImageLookup, ThreadRootID: strPtr("root"),
	}
	require.NoError(t, store.CreateMention(ctx, lookup))
	require.NoError(t, store.CompleteMention(ctx, "2", "r2", "找到了"))

	handled, err = store.IsThreadRequesterProcessed(ctx, "root", "u3")
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestGormStore_ActiveRoast(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	roasted, err := store.IsTweetRoasted(ctx, "42")
	require.NoError(t, err)
	assert.False(t, roasted)

	record := &models.ActiveRoastRecord{TweetID: "42", AuthorID: "u1", AuthorUsername: "alice", RoastContent: "gm to you too", ReplyTweetID: strPtr("43")}
	require.NoError(t, store.CreateActiveRoast(ctx, record))

	roasted, err = store.IsTweetRoasted(ctx, "42")
	require.NoError(t, err)
	assert.True(t, roasted)

	assert.ErrorIs(t, store.CreateActiveRoast(ctx, &models.ActiveRoastRecord{TweetID: "42", AuthorID: "u1", AuthorUsername: "alice", RoastContent: "again"}), ErrAlreadyProcessed)
}

func TestGormStore_UpdateRoastProfileAfterRoast(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetRoastProfile(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	for i, author := range []string{"u1", "u2", "u1"} {
		tweetID := fmt.Sprintf("t%d", i)
		require.NoError(t, store.CreateMention(ctx, insult(tweetID, author, author, "", "bob")))
		require.NoError(t, store.CompleteMention(ctx, tweetID, "r"+tweetID, "@bob x"))

		_, err := store.UpdateRoastProfileAfterRoast(ctx, "Bob")
		require.NoError(t, err)
	}

	profile, err := store.GetRoastProfile(ctx, "BOB")
	require.NoError(t, err)
	assert.Equal(t, "bob", profile.TargetHandle)
	assert.Equal(t, 3, profile.RoastCount)
	assert.Equal(t, 2, profile.UniqueRoasters)
	require.NotNil(t, profile.FirstRoastedAt)
	require.NotNil(t, profile.LastRoastedAt)
	assert.False(t, profile.LastRoastedAt.Before(*profile.FirstRoastedAt))
}

func TestGormStore_UpdateRequesterAfterRoast(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, target := range []string{"bob", "carol", "carol", "Dave"} {
		_, err := store.UpdateRequesterAfterRoast(ctx, "u1", "alice", target)
		require.NoError(t, err)
	}

	profile, err := store.GetRequesterProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.Username)
	assert.Equal(t, 4, profile.RequestCount)
	assert.Equal(t, []models.FavoriteTarget{
		{Handle: "carol", Count: 2},
		{Handle: "bob", Count: 1},
		{Handle: "dave", Count: 1},
	}, profile.FavoriteTargets)

	_, err = store.GetRequesterProfile(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRankFavoriteTargets(t *testing.T) {
	t.Run("ties keep prior order", func(t *testing.T) {
		current := []models.FavoriteTarget{{Handle: "a", Count: 2}, {Handle: "b", Count: 1}, {Handle: "c", Count: 1}}
		ranked := RankFavoriteTargets(current, "c")
		assert.Equal(t, []models.FavoriteTarget{{Handle: "a", Count: 2}, {Handle: "c", Count: 2}, {Handle: "b", Count: 1}}, ranked)
		assert.Equal(t, 1, current[2].Count, "input is not mutated")
	})

	t.Run("bounded to ten", func(t *testing.T) {
		var current []models.FavoriteTarget
		for i := 0; i < MaxFavoriteTargets; i++ {
			current = append(current, models.FavoriteTarget{Handle: fmt.Sprintf("h%d", i), Count: 5})
		}
		ranked := RankFavoriteTargets(current, "newcomer")
		assert.Len(t, ranked, MaxFavoriteTargets)
		assert.NotContains(t, ranked, models.FavoriteTarget{Handle: "newcomer", Count: 1})
	})
}

func TestGormStore_RevengeRelation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetRevengeRelation(ctx, "alice", "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	for i := 0; i < 3; i++ {
		relation, err := store.RecordRevengeRelation(ctx, "Alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, i+1, relation.AttackCount)
	}

	relation, err := store.GetRevengeRelation(ctx, "alice", "BOB")
	require.NoError(t, err)
	assert.Equal(t, 3, relation.AttackCount)

	_, err = store.GetRevengeRelation(ctx, "bob", "alice")
	assert.ErrorIs(t, err, ErrNotFound, "edges are directed")
}

func TestGormStore_ReadSide(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stats, err := store.GetGlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &models.GlobalStats{}, stats)

	seed := []struct{ tweet, author, name, target string }{
		{"1", "u1", "alice", "bob"},
		{"2", "u1", "alice", "bob"},
		{"3", "u2", "carol", "bob"},
		{"4", "u2", "carol", "dave"},
	}
	for _, s := range seed {
		require.NoError(t, store.CreateMention(ctx, insult(s.tweet, s.author, s.name, "", s.target)))
		require.NoError(t, store.CompleteMention(ctx, s.tweet, "r"+s.tweet, "@"+s.target+" roast "+s.tweet))
		_, err := store.UpdateRoastProfileAfterRoast(ctx, s.target)
		require.NoError(t, err)
		_, err = store.UpdateRequesterAfterRoast(ctx, s.author, s.name, s.target)
		require.NoError(t, err)
	}
	// Failed records stay out of every read
	require.NoError(t, store.CreateMention(ctx, insult("5", "u1", "alice", "", "bob")))
	require.NoError(t, store.FailMention(ctx, "5", "boom"))

	profiles, total, err := store.GetLeaderboard(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, profiles, 1)
	assert.Equal(t, "bob", profiles[0].TargetHandle)

	profiles, _, err = store.GetLeaderboard(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "dave", profiles[0].TargetHandle)

	recent, err := store.GetRecentRoastsForTarget(ctx, "bob", 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	roasts, total, err := store.GetRoastsByRequester(ctx, "u1", 20, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, roasts, 2)

	stats, err = store.GetGlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalRoasts)
	assert.Equal(t, int64(2), stats.TotalTargets)
	assert.Equal(t, int64(2), stats.TotalRequesters)
	assert.Equal(t, &models.HandleCount{Handle: "bob", Count: 3}, stats.TopVictim)
	require.NotNil(t, stats.TopRoaster)
	assert.Equal(t, 2, stats.TopRoaster.Count)
}

func TestIsDuplicate(t *testing.T) {
	assert.True(t, isDuplicate(fmt.Errorf("UNIQUE constraint failed: processed_mentions.tweet_id")))
	assert.True(t, isDuplicate(fmt.Errorf("Error 1062: Duplicate entry '1' for key 'tweet_id'")))
	assert.False(t, isDuplicate(fmt.Errorf("connection refused")))
}
