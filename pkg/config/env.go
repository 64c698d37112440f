package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// Config values may reference environment variables in three forms. The
// defaulted form is expanded first so its inner name is not consumed by
// the plainer patterns.
//
//	${VAR:-default}  value of VAR, or default when VAR is unset or empty
//	${VAR}           value of VAR, empty when unset
//	$VAR             same, without braces
var (
	defaultedRef = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`)
	bracedRef    = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
	bareRef      = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)
)

func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = defaultedRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := defaultedRef.FindStringSubmatch(ref)
		if v := os.Getenv(m[1]); v != "" {
			return v
		}
		return m[2]
	})

	for _, re := range []*regexp.Regexp{bracedRef, bareRef} {
		s = re.ReplaceAllStringFunc(s, func(ref string) string {
			return os.Getenv(re.FindStringSubmatch(ref)[1])
		})
	}

	return s
}

// LoadEnvFiles loads .env.local then .env from the working directory.
// Missing files are fine; unreadable or malformed ones are not.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}
