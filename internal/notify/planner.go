package notify

import "regexp"

var mentionPattern = regexp.MustCompile(`data-type="mention" data-id="([^"]+)"`)

// ParseMentions returns the distinct user ids mentioned in rich-text content, in
// order of first appearance
func ParseMentions(content string) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		ids = append(ids, m[1])
	}
	return ids
}

// MentionRecipients returns who gets a MENTION for content sent by senderId
func MentionRecipients(content, senderId string) []string {
	var out []string
	for _, id := range ParseMentions(content) {
		if id != senderId {
			out = append(out, id)
		}
	}
	return out
}

// ReplyRecipients returns who gets a REPLY: the parent author and every distinct
// earlier replier, minus the sender and anyone already mentioned
func ReplyRecipients(parentAuthorId string, participantIds []string, senderId string, mentioned []string) []string {
	skip := map[string]struct{}{senderId: {}}
	for _, id := range mentioned {
		skip[id] = struct{}{}
	}

	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := skip[id]; ok {
			return
		}
		skip[id] = struct{}{}
		out = append(out, id)
	}
	add(parentAuthorId)
	for _, id := range participantIds {
		add(id)
	}
	return out
}
