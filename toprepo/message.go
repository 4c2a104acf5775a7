// Commit message composition and splitting. Expansion folds the messages
// of every contributing submodule commit into the mono commit message with
// Git-Toprepo-Ref footers; pushing strips those footers back out and
// recovers the Topic.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"bytes"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/ianaindex"
)

const toprepoFooterPrefix = "Git-Toprepo-Ref:"

// boringMessagePattern matches automatic submodule bump messages that carry
// no information of their own, e.g. the ones Gerrit generates when a branch
// follows a submodule.
var boringMessagePattern = regexp.MustCompile(`\AUpdate git submodules *($|\n)`)

var topicPattern = regexp.MustCompile(`(?m)^Topic: (.+)$`)

// contribution is one submodule's part in a mono commit: the path it lives
// at, the commit it advanced to, and that commit's message if it was
// expanded into the history.
type contribution struct {
	Path     string
	Commit   CommitId
	Expanded bool
	Message  []byte
	Encoding string
}

// decodeToUTF8 converts raw commit message bytes to valid UTF-8, honoring a
// declared encoding when the IANA registry knows it. Undecodable bytes
// become replacement runes; history cannot be repaired, only presented.
func decodeToUTF8(message []byte, encodingName string) string {
	if encodingName != "" && !strings.EqualFold(encodingName, "utf-8") {
		if enc, err := ianaindex.IANA.Encoding(encodingName); err == nil && enc != nil {
			decoded, err := enc.NewDecoder().Bytes(message)
			if err == nil {
				message = decoded
			}
		} else if logEnable(logWARN) {
			warn("unknown commit encoding %q, assuming UTF-8", encodingName)
		}
	}
	if utf8.Valid(message) {
		return string(message)
	}
	return strings.ToValidUTF8(string(message), "�")
}

func isBoringMessage(message string) bool {
	return boringMessagePattern.MatchString(message)
}

// extractTopic removes Topic footers from a message, returning the cleaned
// message and the topic. Conflicting topics keep the first one.
func extractTopic(message string) (string, string) {
	matches := topicPattern.FindAllStringSubmatch(message, -1)
	if len(matches) == 0 {
		return message, ""
	}
	topic := matches[0][1]
	cleaned := topicPattern.ReplaceAllString(message, "\x00")
	var lines []string
	for _, line := range strings.Split(cleaned, "\n") {
		if line != "\x00" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), topic
}

func ensureTrailingNewline(s string) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	return s + "\n"
}

// composeMonoMessage builds the message of a mono commit from the source
// commit record and the submodule contributions:
//
//   - the source body comes first unless it is an automatic bump message
//     shadowed by real submodule messages;
//   - distinct contributing messages follow, deduplicated by body;
//   - a footer block carries one Git-Toprepo-Ref line per expanded
//     contributor, path-sorted, plus a preserved Topic.
//
// The result is always valid UTF-8, so the returned encoding is empty.
func composeMonoMessage(source *CommitRecord, contributions []contribution) ([]byte, string) {
	sourceBody := decodeToUTF8(source.Message, source.Encoding)
	sourceBody, topic := extractTopic(sourceBody)

	var bodies []string
	seenBodies := map[string]bool{}
	addBody := func(body string) {
		body = ensureTrailingNewline(body)
		if body == "" || seenBodies[body] {
			return
		}
		seenBodies[body] = true
		bodies = append(bodies, body)
	}

	sorted := make([]contribution, len(contributions))
	copy(sorted, contributions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	interesting := 0
	for _, contrib := range sorted {
		if contrib.Expanded && len(contrib.Message) > 0 {
			body := decodeToUTF8(contrib.Message, contrib.Encoding)
			if !isBoringMessage(body) {
				interesting++
			}
		}
	}
	if !isBoringMessage(sourceBody) || interesting == 0 {
		addBody(sourceBody)
	}
	for _, contrib := range sorted {
		if !contrib.Expanded || len(contrib.Message) == 0 {
			continue
		}
		body := decodeToUTF8(contrib.Message, contrib.Encoding)
		body, contribTopic := extractTopic(body)
		if topic == "" {
			topic = contribTopic
		}
		if isBoringMessage(body) {
			continue
		}
		addBody(body)
	}
	if len(bodies) == 0 {
		addBody("Update git submodules\n")
	}

	var footer bytes.Buffer
	for _, contrib := range sorted {
		if contrib.Expanded {
			footer.WriteString(toprepoFooterPrefix + " " + contrib.Path + " " + string(contrib.Commit) + "\n")
		}
	}
	if topic != "" {
		footer.WriteString("Topic: " + topic + "\n")
	}

	var out bytes.Buffer
	for i, body := range bodies {
		if i > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(body)
	}
	if footer.Len() > 0 {
		out.WriteByte('\n')
		out.Write(footer.Bytes())
	}
	return out.Bytes(), ""
}

// pushMessage is a mono commit message prepared for pushing upstream: the
// toprepo annotations are stripped and the topic is carried out of band.
type pushMessage struct {
	Body  string
	Topic string
}

// splitPushMessage strips the Git-Toprepo-Ref footers and legacy "^-- "
// annotations from a mono commit message and extracts the Topic.
func splitPushMessage(message string) pushMessage {
	var lines []string
	topic := ""
	for _, line := range strings.Split(message, "\n") {
		switch {
		case strings.HasPrefix(line, toprepoFooterPrefix):
		case strings.HasPrefix(line, "^-- "):
		case strings.HasPrefix(line, "Topic: "):
			if topic == "" {
				topic = strings.TrimPrefix(line, "Topic: ")
			}
		default:
			lines = append(lines, line)
		}
	}
	body := strings.Join(lines, "\n")
	for strings.HasSuffix(body, "\n\n") {
		body = body[:len(body)-1]
	}
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	return pushMessage{Body: body, Topic: topic}
}

// footerRefs parses the Git-Toprepo-Ref footers of a mono commit message,
// mapping submodule path to original commit id.
func footerRefs(message string) map[string]CommitId {
	refs := map[string]CommitId{}
	for _, line := range strings.Split(message, "\n") {
		if !strings.HasPrefix(line, toprepoFooterPrefix) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, toprepoFooterPrefix))
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			continue
		}
		refs[fields[0]] = CommitId(fields[1])
	}
	return refs
}
