package resolver

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractPrompt pulls the user's prompt text out of a chat request
// body. It understands {"message": "..."}, {"message": {"content": ...}},
// {"prompt": "..."} and the last user entry of a "messages" array.
func ExtractPrompt(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	root := gjson.ParseBytes(body)

	if msg := root.Get("message"); msg.Exists() {
		switch {
		case msg.Type == gjson.String:
			return strings.TrimSpace(msg.Str)
		case msg.IsObject():
			return strings.TrimSpace(msg.Get("content").String())
		}
	}
	if p := root.Get("prompt"); p.Type == gjson.String {
		return strings.TrimSpace(p.Str)
	}

	msgs := root.Get("messages").Array()
	for i := len(msgs) - 1; i >= 0; i-- {
		if role := msgs[i].Get("role").String(); role == "" || role == "user" {
			return strings.TrimSpace(msgs[i].Get("content").String())
		}
	}
	return ""
}
