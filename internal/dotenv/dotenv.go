package dotenv

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Load reads the given .env files into the environment, defaulting to ./.env.
// Missing files are not an error; funding keys are optional until a bot
// actually needs one.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}
