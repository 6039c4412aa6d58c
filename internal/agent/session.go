package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// sessionPath maps a session id to its file under the group mount. Ids
// come back from the host, which got them from us, but the id still
// gets validated so a corrupted value cannot point outside .sessions.
func (a *Agent) sessionPath(sessionID string) (string, error) {
	if !sessionIDRe.MatchString(sessionID) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(a.ws.Group, ".sessions", sessionID+".json"), nil
}

// loadContents restores a prior conversation. A missing file is a fresh
// session, not an error; a corrupt file is dropped with the same effect
// so one bad write cannot brick a group forever.
func (a *Agent) loadContents(sessionID string) []Content {
	path, err := a.sessionPath(sessionID)
	if err != nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var contents []Content
	if err := json.Unmarshal(data, &contents); err != nil {
		return nil
	}
	return contents
}

// saveContents persists the conversation via tmp+rename so the host
// never observes a torn session file.
func (a *Agent) saveContents(sessionID string, contents []Content) error {
	path, err := a.sessionPath(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(contents)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// appendTranscript logs the exchange to the day's markdown file under
// conversations/. Best effort; the session file is the durable record.
func (a *Agent) appendTranscript(now time.Time, channelID, prompt, reply string) error {
	dir := filepath.Join(a.ws.Group, "conversations")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(dir, now.UTC().Format("2006-01-02")+".md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	entry := fmt.Sprintf("## %s - %s\n\n%s\n\n**Reply:**\n\n%s\n\n",
		now.UTC().Format("15:04:05"), channelID, prompt, reply)
	_, err = f.WriteString(entry)
	return err
}
