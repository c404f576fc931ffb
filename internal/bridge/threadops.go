package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"threadbridge/internal/platform"
	"threadbridge/internal/task"
)

// shortTokenLength is how many leading id characters appear in a thread
// name. Long enough to be unique in practice, short enough to leave room
// for the title.
const shortTokenLength = 8

// label prefixes stripped before tag map lookup.
var labelPrefixes = []string{"tag:", "label:"}

// statusEmoji maps a workflow state to the glyph that leads the thread name.
func statusEmoji(s task.Status) string {
	switch s {
	case task.StatusOpen:
		return "🟢"
	case task.StatusInProgress:
		return "🔵"
	case task.StatusBlocked:
		return "🔴"
	case task.StatusClosed:
		return "⚫"
	default:
		return "⚪"
	}
}

// ShortToken returns the id token embedded in thread names for the task id.
func ShortToken(taskID string) string {
	if len(taskID) <= shortTokenLength {
		return taskID
	}
	return taskID[:shortTokenLength]
}

// ThreadName builds the thread name for a task: status emoji, id token,
// and a title truncated to fit the platform's thread-name limit.
func ThreadName(t *task.Task) string {
	prefix := fmt.Sprintf("%s [%s] ", statusEmoji(t.Status), ShortToken(t.ID))
	room := platform.MaxThreadNameLength - len([]rune(prefix))
	title := []rune(t.Title)
	if len(title) > room {
		title = title[:room]
	}
	return prefix + string(title)
}

// StarterContent builds the starter message body for a task, capped at the
// platform's message-length limit.
func StarterContent(t *task.Task) string {
	content := fmt.Sprintf("**%s**\nPriority: P%d", t.Title, t.Priority)
	if t.Description != "" {
		content += "\n\n" + t.Description
	}
	runes := []rune(content)
	if len(runes) > platform.MaxMessageLength {
		runes = runes[:platform.MaxMessageLength]
	}
	return string(runes)
}

// ResolveForum locates the managed forum by id first (cache, then fetch),
// falling back to a case-insensitive name match over the guild's forums.
// Returns (nil, nil) rather than an error when the forum does not exist.
func ResolveForum(ctx context.Context, client platform.Client, cache *Cache, guildID, nameOrID string) (*platform.Forum, error) {
	if cache != nil {
		if f, ok := cache.Forum(nameOrID); ok {
			return f, nil
		}
	}

	f, err := client.Forum(ctx, nameOrID)
	if err == nil {
		if cache != nil {
			cache.PutForum(nameOrID, f)
		}
		return f, nil
	}
	if !errors.Is(err, platform.ErrNotFound) {
		return nil, fmt.Errorf("fetch forum %s: %w", nameOrID, err)
	}

	forums, err := client.Forums(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("list forums for guild %s: %w", guildID, err)
	}
	for _, candidate := range forums {
		if strings.EqualFold(candidate.Name, nameOrID) {
			if cache != nil {
				cache.PutForum(nameOrID, candidate)
			}
			return candidate, nil
		}
	}
	return nil, nil
}

// LabelTagIDs maps each task label through the tag map, stripping known
// prefixes before lookup and deduplicating the result. Labels with no
// mapping are skipped.
func LabelTagIDs(t *task.Task, tags map[string]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, label := range t.Labels {
		key := label
		for _, prefix := range labelPrefixes {
			if strings.HasPrefix(key, prefix) {
				key = strings.TrimPrefix(key, prefix)
				break
			}
		}
		id, ok := tags[key]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// StatusTagIDs returns the set of tag ids assigned to any status name in
// the tag map. These ids are mutually exclusive on a thread.
func StatusTagIDs(tags map[string]string) map[string]bool {
	out := make(map[string]bool)
	for _, s := range task.Statuses {
		if id, ok := tags[string(s)]; ok {
			out[id] = true
		}
	}
	return out
}

// DesiredTags computes the tag set a thread should carry: the current tags
// with every status tag stripped, plus the tag for the task's current
// status. Status tags are exclusive, label tags are additive: exactly one
// status tag is visible at a time and non-status tags are never discarded.
// The computation is idempotent.
func DesiredTags(current []string, statusTagID string, statusIDs map[string]bool) []string {
	out := make([]string, 0, len(current)+1)
	seen := make(map[string]bool)
	for _, id := range current {
		if statusIDs[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if statusTagID != "" && !seen[statusTagID] {
		out = append(out, statusTagID)
	}
	return out
}

// CreateThread creates the remote thread for a task: derived name, mapped
// label tags layered with the status tag, capped starter content, and
// mentions suppressed except for the single allow-listed user.
func CreateThread(ctx context.Context, client platform.Client, forum *platform.Forum, t *task.Task, tags map[string]string, mentionUserID string) (*platform.Thread, error) {
	applied := DesiredTags(LabelTagIDs(t, tags), tags[string(t.Status)], StatusTagIDs(tags))
	thread, err := client.CreateThread(ctx, forum.ID, platform.CreateThreadParams{
		Name:          ThreadName(t),
		Content:       StarterContent(t),
		AppliedTags:   applied,
		MentionUserID: mentionUserID,
	})
	if err != nil {
		return nil, fmt.Errorf("create thread for task %s: %w", t.ID, err)
	}
	return thread, nil
}

// FindExistingThread locates the thread whose name carries the task's id
// token, searching active threads and a bounded archived set. When several
// threads match (task id tokens are occasionally reused across thread
// churn), an active thread wins, then the most recently created (highest
// sortable id). Returns (nil, nil) when no thread matches; a match beyond
// archivedLimit is treated as not found, a documented cost trade-off.
func FindExistingThread(ctx context.Context, client platform.Client, cache *Cache, forum *platform.Forum, taskID string, archivedLimit int) (*platform.Thread, error) {
	token := ShortToken(taskID)

	active, err := client.ActiveThreads(ctx, forum.ID)
	if err != nil {
		return nil, fmt.Errorf("list active threads: %w", err)
	}
	if cache != nil {
		if cachedID, ok := cache.Thread(taskID); ok {
			for _, th := range active {
				if th.ID == cachedID {
					return th, nil
				}
			}
			// The cached thread is gone or archived; fall back to the scan.
			cache.InvalidateTask(taskID)
		}
	}
	if best := bestMatch(active, token); best != nil {
		if cache != nil {
			cache.PutThread(taskID, best.ID)
		}
		return best, nil
	}

	archived, err := client.ArchivedThreads(ctx, forum.ID, archivedLimit)
	if err != nil {
		return nil, fmt.Errorf("list archived threads: %w", err)
	}
	if best := bestMatch(archived, token); best != nil {
		if cache != nil {
			cache.PutThread(taskID, best.ID)
		}
		return best, nil
	}

	return nil, nil
}

// bestMatch picks the highest-id thread whose name contains the token.
func bestMatch(threads []*platform.Thread, token string) *platform.Thread {
	var best *platform.Thread
	for _, th := range threads {
		if !strings.Contains(th.Name, token) {
			continue
		}
		if best == nil || platform.CompareIDs(th.ID, best.ID) > 0 {
			best = th
		}
	}
	return best
}
