package container

import "strings"

// NormalizeImage strips the @sha256:... digest suffix the engine appends to image
// references after a pull, e.g. "nginx:1.27@sha256:abc" becomes "nginx:1.27".
func NormalizeImage(image string) string {
	if idx := strings.Index(image, "@sha256:"); idx != -1 {
		return image[:idx]
	}
	return image
}
