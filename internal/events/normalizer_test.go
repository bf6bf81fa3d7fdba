package events

import (
	"testing"

	"github.com/nuwa/skyeye-bot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const selfID = "bot999"

func TestNormalize_RejectsWithoutPrimaryPayload(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "Not JSON", raw: `this is not json`},
		{name: "Empty object", raw: `{}`},
		{name: "Only includes", raw: `{"includes":{"users":[{"id":"u1","username":"alice"}]}}`},
		{name: "Null data", raw: `{"data":null}`},
		{name: "Data is a string", raw: `{"data":"oops"}`},
		{name: "Stream error frame", raw: `{"errors":[{"title":"operational-disconnect"}]}`},
		{name: "Truncated", raw: `{"data":{"id":"1"`},
		{name: "Empty data", raw: `{"data":{}}`},
		{name: "Data without id", raw: `{"data":{"text":"@bot 喷他","author_id":"u1"}}`},
		{name: "Empty id", raw: `{"data":{"id":"","text":"@bot 喷他","author_id":"u1"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, Normalize([]byte(tt.raw), selfID))
		})
	}
}

func TestNormalize_SelfFilter(t *testing.T) {
	raw := `{"data":{"id":"1","author_id":"bot999","text":"@someone hi"}}`
	assert.Nil(t, Normalize([]byte(raw), selfID))
}

func TestNormalize_EndToEndPayload(t *testing.T) {
	raw := `{"data":{"id":"100","author_id":"u1","text":"@bot 喷他 @u2"},
		"includes":{"users":[{"id":"u1","username":"alice"},{"id":"u2","username":"bob"}]}}`

	m := Normalize([]byte(raw), selfID)
	require.NotNil(t, m)

	assert.Equal(t, "100", m.TweetID)
	assert.Equal(t, "u1", m.AuthorID)
	assert.Equal(t, "alice", m.AuthorUsername)
	assert.Equal(t, "@bot 喷他 @u2", m.Text)
	assert.Empty(t, m.ImageURLs)
	assert.Empty(t, m.ThreadRootID)
	assert.Equal(t, "bob", m.CanonicalHandle("u2"))
}

func TestNormalize_UnknownAuthor(t *testing.T) {
	raw := `{"data":{"id":"1","author_id":"u404","text":"hi"},"includes":{"users":[{"id":"u1","username":"alice"}]}}`

	m := Normalize([]byte(raw), selfID)
	require.NotNil(t, m)
	assert.Equal(t, UnknownUsername, m.AuthorUsername)
}

func TestNormalize_ImageFallsBackToParent(t *testing.T) {
	raw := `{
		"data":{"id":"2","author_id":"u1","text":"@bot who is this",
			"referenced_tweets":[{"type":"replied_to","id":"1"}]},
		"includes":{
			"users":[{"id":"u1","username":"alice"}],
			"tweets":[{"id":"1","attachments":{"media_keys":["3_parent"]}}],
			"media":[{"media_key":"3_parent","type":"photo","url":"https://pbs.example/parent.jpg"}]
		}
	}`

	m := Normalize([]byte(raw), selfID)
	require.NotNil(t, m)
	assert.Equal(t, []string{"https://pbs.example/parent.jpg"}, m.ImageURLs)
	assert.Equal(t, "1", m.ThreadRootID)
}

func TestNormalize_CurrentMediaWins(t *testing.T) {
	raw := `{
		"data":{"id":"2","author_id":"u1","text":"@bot who is this",
			"attachments":{"media_keys":["3_own"]},
			"referenced_tweets":[{"type":"replied_to","id":"1"}]},
		"includes":{
			"tweets":[{"id":"1","attachments":{"media_keys":["3_parent"]}}],
			"media":[
				{"media_key":"3_parent","type":"photo","url":"https://pbs.example/parent.jpg"},
				{"media_key":"3_own","type":"photo","url":"https://pbs.example/own.jpg"}
			]
		}
	}`

	m := Normalize([]byte(raw), selfID)
	require.NotNil(t, m)
	assert.Equal(t, []string{"https://pbs.example/own.jpg"}, m.ImageURLs)
}

func TestNormalize_VideoContributesPreview(t *testing.T) {
	raw := `{
		"data":{"id":"2","author_id":"u1","text":"x","attachments":{"media_keys":["7_vid","7_gif","7_missing"]}},
		"includes":{"media":[
			{"media_key":"7_vid","type":"video","preview_image_url":"https://pbs.example/vid.jpg","url":"https://video.example/v.mp4"},
			{"media_key":"7_gif","type":"animated_gif","preview_image_url":"https://pbs.example/gif.jpg"}
		]}
	}`

	m := Normalize([]byte(raw), selfID)
	require.NotNil(t, m)
	assert.Equal(t, []string{"https://pbs.example/vid.jpg", "https://pbs.example/gif.jpg"}, m.ImageURLs)
}

func TestNormalize_OnlyRepliedToDefinesThread(t *testing.T) {
	raw := `{"data":{"id":"5","author_id":"u1","text":"x",
		"referenced_tweets":[{"type":"quoted","id":"8"},{"type":"replied_to","id":"9"},{"type":"replied_to","id":"10"}]}}`

	m := Normalize([]byte(raw), selfID)
	require.NotNil(t, m)
	assert.Equal(t, "9", m.ThreadRootID)

	quoteOnly := `{"data":{"id":"6","author_id":"u1","text":"x","referenced_tweets":[{"type":"quoted","id":"8"}]}}`
	m = Normalize([]byte(quoteOnly), selfID)
	require.NotNil(t, m)
	assert.Empty(t, m.ThreadRootID)
}

func TestNormalize_MentionsAndPositions(t *testing.T) {
	raw := `{
		"data":{"id":"3","author_id":"u1","text":"@SkyeyeBot roast @Jack",
			"in_reply_to_user_id":"u9",
			"referenced_tweets":[{"type":"replied_to","id":"1"}],
			"entities":{"mentions":[
				{"start":0,"end":10,"username":"SkyeyeBot","id":"bot999"},
				{"start":17,"end":22,"username":"Jack","id":"u7"},
				{"start":30,"end":31}
			]}},
		"includes":{
			"users":[{"id":"u1","username":"alice"},{"id":"u9","username":"Carol"}],
			"tweets":[{"id":"1","entities":{"mentions":[{"username":"Dave","start":0,"end":5}]}}]
		}
	}`

	m := Normalize([]byte(raw), selfID)
	require.NotNil(t, m)
	assert.Equal(t, []string{"skyeyebot", "jack"}, m.CurrentMentions)
	assert.Equal(t, []string{"dave"}, m.ParentMentions)
	assert.Equal(t, []models.MentionPosition{
		{Username: "skyeyebot", Start: 0, End: 10},
		{Username: "jack", Start: 17, End: 22},
	}, m.Positions)
	assert.Equal(t, "Carol", m.ReplyToUsername)
}

func TestNormalize_MalformedNestedFieldsDegrade(t *testing.T) {
	raw := `{
		"data":{"id":"4","author_id":"u1","text":"hello",
			"attachments":"broken",
			"referenced_tweets":{"type":"replied_to"},
			"entities":{"mentions":"nope"}},
		"includes":{"users":"bad","media":42,"tweets":null}
	}`

	m := Normalize([]byte(raw), selfID)
	require.NotNil(t, m)
	assert.Equal(t, "4", m.TweetID)
	assert.Equal(t, UnknownUsername, m.AuthorUsername)
	assert.Empty(t, m.ImageURLs)
	assert.Empty(t, m.CurrentMentions)
	assert.Empty(t, m.Positions)
	assert.NotNil(t, m.ImageURLs)
}
