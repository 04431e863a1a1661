package job

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/bytedance/sonic"

	"github.com/cronfire/cronfire/internal/timeplan"
)

// fingerprintJSON serializes schedules with sorted keys so equal schedules
// always hash identically.
var fingerprintJSON = sonic.Config{SortMapKeys: true}.Froze()

// Fingerprint hashes the identity-bearing fields of a job. Two requests with
// the same tenant, prompt, target and schedule produce the same value.
func Fingerprint(orgID, prompt, targetAPI string, schedule timeplan.Schedule) string {
	sched, _ := fingerprintJSON.Marshal(schedule)

	h := sha256.New()
	for _, part := range [][]byte{
		[]byte(orgID),
		[]byte(prompt),
		[]byte(targetAPI),
		[]byte(schedule.Type),
		sched,
	} {
		h.Write(part)
		h.Write([]byte{0}) // field separator
	}
	return hex.EncodeToString(h.Sum(nil))
}
