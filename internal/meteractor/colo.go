package meteractor

import (
	"os"
	"strings"
)

// resolveColo reads the local runtime's region label once per actor
// construction. This stays a bare os.Getenv: there is no ecosystem
// library concern here, just reading one environment variable the
// deployment platform sets.
func resolveColo() string {
	for _, key := range []string{"FLY_REGION", "AWS_REGION", "COLO"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return "local"
}
