// Package identity derives engine-safe container and image names from a
// tenant and bot pair. Distinct inputs that sanitize to the same string
// resolve to the same names.
package identity

import "strings"

const (
	containerPrefix = "bot_"
	imagePrefix     = "bot_image_"
	imageTag        = ":latest"
)

// Sanitize keeps ASCII letters, digits, '-' and '_' and lower-cases the result.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return b.String()
}

// Resolve returns the container name and image reference for a bot.
func Resolve(tenantID, botID string) (containerName, imageName string) {
	tenant := Sanitize(tenantID)
	bot := Sanitize(botID)
	containerName = containerPrefix + tenant + "_" + bot
	imageName = imagePrefix + tenant + "_" + bot + imageTag
	return containerName, imageName
}
