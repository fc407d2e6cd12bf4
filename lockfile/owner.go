package lockfile

import (
	"encoding/json"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Owner is the record written into a lock sidecar file. It identifies the
// process that holds the lock so contenders can report who they are waiting
// on. Ownership is proven by Token equality, never by the file path alone.
type Owner struct {
	Token     string    `json:"token"`
	PID       int       `json:"pid"`
	ParentPID int       `json:"parent_pid"`
	Hostname  string    `json:"hostname"`
	CWD       string    `json:"cwd"`
	CreatedAt time.Time `json:"created_at"`
	Target    string    `json:"target"`
}

func newOwner(token, target string, now time.Time) Owner {
	hostname, _ := os.Hostname()
	cwd, _ := os.Getwd()
	return Owner{
		Token:     token,
		PID:       os.Getpid(),
		ParentPID: os.Getppid(),
		Hostname:  hostname,
		CWD:       cwd,
		CreatedAt: now,
		Target:    target,
	}
}

func (o Owner) encode() ([]byte, error) {
	return json.Marshal(o)
}

func decodeOwner(data []byte) (*Owner, error) {
	var o Owner
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// alive reports whether the recorded owner process still exists on this
// host. Records from other hosts are assumed alive since their pids cannot
// be probed locally.
func (o *Owner) alive() bool {
	if o == nil || o.PID <= 0 {
		return true
	}
	hostname, err := os.Hostname()
	if err != nil || hostname != o.Hostname {
		return true
	}
	exists, err := process.PidExists(int32(o.PID))
	if err != nil {
		return true
	}
	return exists
}
