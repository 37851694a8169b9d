package report

import (
	"regexp"
	"strings"
)

// TaskARN is a parsed ECS task identifier of the form
// arn:<partition>:ecs:<region>:<account>:task/<cluster>/<id>.
type TaskARN struct {
	Partition string `json:"partition"`
	Region    string `json:"region"`
	Account   string `json:"account"`
	Cluster   string `json:"cluster"`
	TaskID    string `json:"task_id"`
}

const taskARNPattern = `arn:(aws[a-z-]*):ecs:([a-z]{2}(?:-[a-z]+)+-\d):(\d{12}):task/([A-Za-z0-9_-]{1,255})/([A-Za-z0-9]{1,64})`

var (
	taskARNExact = regexp.MustCompile(`^` + taskARNPattern + `$`)
	// The scan variant refuses matches glued to further identifier characters,
	// so a truncated near-match is dropped instead of parsed short.
	taskARNScan = regexp.MustCompile(taskARNPattern + `(?:[A-Za-z0-9_/-]*)`)
)

// ParseTaskARN parses a full task ARN. Malformed input returns false.
func ParseTaskARN(s string) (TaskARN, bool) {
	m := taskARNExact.FindStringSubmatch(s)
	if m == nil {
		return TaskARN{}, false
	}
	return TaskARN{
		Partition: m[1],
		Region:    m[2],
		Account:   m[3],
		Cluster:   m[4],
		TaskID:    m[5],
	}, true
}

// String reconstructs the canonical ARN.
func (a TaskARN) String() string {
	return "arn:" + a.Partition + ":ecs:" + a.Region + ":" + a.Account + ":task/" + a.Cluster + "/" + a.TaskID
}

// ExtractTaskARNs finds every task ARN in free text. Duplicates are
// removed by exact string; candidates that fail a strict parse are dropped.
func ExtractTaskARNs(text string) []TaskARN {
	seen := make(map[string]bool)
	var out []TaskARN
	for _, candidate := range taskARNScan.FindAllString(text, -1) {
		candidate = strings.TrimRight(candidate, "/")
		if seen[candidate] {
			continue
		}
		seen[candidate] = true
		if arn, ok := ParseTaskARN(candidate); ok {
			out = append(out, arn)
		}
	}
	return out
}
