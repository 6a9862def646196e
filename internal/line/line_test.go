package line

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
)

const testSecret = "channel-secret"

const callbackBody = `{
  "destination": "Ubot",
  "events": [
    {"type":"message","mode":"active","timestamp":1,"webhookEventId":"ev-text",
     "deliveryContext":{"isRedelivery":true},"replyToken":"rt-1",
     "source":{"type":"user","userId":"U1"},
     "message":{"type":"text","id":"m1","quoteToken":"q","text":"血糖紀錄"}},
    {"type":"memberJoined","mode":"active","timestamp":2,"webhookEventId":"ev-join",
     "deliveryContext":{"isRedelivery":false},"replyToken":"rt-2",
     "source":{"type":"group","groupId":"G1"},
     "joined":{"members":[{"type":"user","userId":"U2"},{"type":"user","userId":"U3"}]}},
    {"type":"postback","mode":"active","timestamp":3,"webhookEventId":"ev-pb",
     "deliveryContext":{"isRedelivery":false},"replyToken":"rt-3",
     "source":{"type":"group","groupId":"G1","userId":"U4"},
     "postback":{"data":"action=menu"}}
  ]
}`

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestParseRequest_DecodesEvents(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(callbackBody))
	req.Header.Set("X-Line-Signature", sign(callbackBody))

	evs, err := ParseRequest(testSecret, req)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("events=%d want 3", len(evs))
	}

	txt := evs[0]
	if txt.Kind != domain.EventText || txt.Text != "血糖紀錄" || txt.UserID != "U1" ||
		txt.ReplyToken != "rt-1" || txt.EventID != "ev-text" || !txt.Redelivery {
		t.Fatalf("text event = %+v", txt)
	}

	join := evs[1]
	if join.Kind != domain.EventMemberJoined || join.GroupID != "G1" {
		t.Fatalf("join event = %+v", join)
	}
	if len(join.JoinedUsers) != 2 || join.JoinedUsers[0] != "U2" || join.JoinedUsers[1] != "U3" {
		t.Fatalf("joined users = %v", join.JoinedUsers)
	}

	pb := evs[2]
	if pb.Kind != domain.EventPostback || pb.PostbackData != "action=menu" || pb.UserID != "U4" {
		t.Fatalf("postback event = %+v", pb)
	}
}

func TestParseRequest_MissingOptionalParts(t *testing.T) {
	body := `{"destination":"Ubot","events":[
    {"type":"postback","mode":"active","timestamp":1,"webhookEventId":"ev-pb",
     "replyToken":"rt","source":{"type":"user","userId":"U1"}},
    {"type":"memberJoined","mode":"active","timestamp":2,"webhookEventId":"ev-join",
     "replyToken":"rt","source":{"type":"group","groupId":"G1"}},
    {"type":"follow","mode":"active","timestamp":3,"webhookEventId":"ev-follow",
     "replyToken":"rt","source":{"type":"user","userId":"U1"}}
  ]}`
	req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(body))
	req.Header.Set("X-Line-Signature", sign(body))

	evs, err := ParseRequest(testSecret, req)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("events=%d want 3", len(evs))
	}
	if pb := evs[0]; pb.Kind != domain.EventPostback || pb.PostbackData != "" || pb.Redelivery || pb.UserID != "U1" {
		t.Fatalf("postback event = %+v", pb)
	}
	if join := evs[1]; join.Kind != domain.EventMemberJoined || join.GroupID != "G1" || len(join.JoinedUsers) != 0 {
		t.Fatalf("join event = %+v", join)
	}
	if other := evs[2]; other.Kind != domain.EventOther || other.Type != "follow" {
		t.Fatalf("follow event = %+v", other)
	}
}

func TestParseRequest_BadSignature(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(callbackBody))
	req.Header.Set("X-Line-Signature", sign("something else"))

	if _, err := ParseRequest(testSecret, req); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("want ErrInvalidSignature, got %v", err)
	}
}

func TestNormalizeLanguage(t *testing.T) {
	cases := map[string]string{
		"":       domain.DefaultLanguage,
		"  ":     domain.DefaultLanguage,
		"zh-TW":  "zh-TW",
		"en":     "en",
		"ja-jp":  "ja-JP",
		"%%bad%": domain.DefaultLanguage,
	}
	for in, want := range cases {
		if got := NormalizeLanguage(in); got != want {
			t.Errorf("NormalizeLanguage(%q)=%q want %q", in, got, want)
		}
	}
}

func TestSplitText(t *testing.T) {
	if got := splitText("", 10, 5); len(got) != 1 || got[0] != "" {
		t.Fatalf("empty: %v", got)
	}
	got := splitText(strings.Repeat("糖", 25), 10, 5)
	if len(got) != 3 || utf8.RuneCountInString(got[2]) != 5 {
		t.Fatalf("chunks: %v", got)
	}
	if got := splitText(strings.Repeat("a", 100), 10, 2); len(got) != 2 {
		t.Fatalf("max chunks not enforced: %d", len(got))
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient("token", messaging_api.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClient_Reply(t *testing.T) {
	var got struct {
		ReplyToken string `json:"replyToken"`
		Messages   []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"messages"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/bot/message/reply" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("auth=%q", r.Header.Get("Authorization"))
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sentMessages":[]}`))
	})

	if err := c.Reply(context.Background(), "rt", "hello"); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got.ReplyToken != "rt" || len(got.Messages) != 1 || got.Messages[0].Text != "hello" || got.Messages[0].Type != "text" {
		t.Fatalf("request body = %+v", got)
	}

	if err := c.Reply(context.Background(), "", "x"); err == nil {
		t.Fatalf("expected error on empty reply token")
	}
}

func TestClient_ReplyError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Invalid reply token"}`))
	})
	if err := c.Reply(context.Background(), "expired", "hi"); err == nil {
		t.Fatalf("expected error from 400 response")
	}
}

func TestClient_Profiles(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v2/bot/profile/U1":
			_, _ = w.Write([]byte(`{"userId":"U1","displayName":"小明","language":"zh-tw"}`))
		case "/v2/bot/group/G1/member/U2":
			_, _ = w.Write([]byte(`{"userId":"U2","displayName":"阿華"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not found"}`))
		}
	})

	info, err := c.Profile(context.Background(), "U1")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if info.DisplayName != "小明" || info.Language != "zh-TW" {
		t.Fatalf("profile = %+v", info)
	}

	name, err := c.GroupMemberName(context.Background(), "G1", "U2")
	if err != nil || name != "阿華" {
		t.Fatalf("GroupMemberName = %q, %v", name, err)
	}

	if _, err := c.Profile(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for unknown user")
	}
}
