package drive

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	folderPattern    = regexp.MustCompile(`^https://drive\.google\.com/drive/folders/([a-zA-Z0-9_-]+)`)
	sizeParamPattern = regexp.MustCompile(`=s\d+`)
)

// IsValidFolderReference reports whether ref looks like a Drive folder link.
func IsValidFolderReference(ref string) bool {
	return folderPattern.MatchString(ref)
}

// ExtractFolderID returns the folder identifier captured from a folder link.
func ExtractFolderID(ref string) (string, bool) {
	match := folderPattern.FindStringSubmatch(ref)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// DirectContentURL builds the public view URL for a file.
func DirectContentURL(fileID string) string {
	return "https://drive.google.com/uc?export=view&id=" + url.QueryEscape(fileID)
}

// ThumbnailURL builds the 200px thumbnail URL for a file.
func ThumbnailURL(fileID string) string {
	return "https://drive.google.com/thumbnail?id=" + url.QueryEscape(fileID) + "&sz=w200"
}

// HighResolutionURL rewrites a thumbnail reference so it asks for an image of
// the given edge size.
//
// Thumbnail links carry an "=s<digits>" suffix which is replaced. References
// without one get the "sz" query parameter set when they have a query string,
// otherwise "=s<size>" is appended.
func HighResolutionURL(ref string, size int) string {
	if ref == "" {
		return ""
	}
	param := fmt.Sprintf("=s%d", size)

	if loc := sizeParamPattern.FindStringIndex(ref); loc != nil {
		return ref[:loc[0]] + param + ref[loc[1]:]
	}

	if u, err := url.Parse(ref); err == nil && u.RawQuery != "" {
		q := u.Query()
		q.Set("sz", fmt.Sprintf("w%d", size))
		u.RawQuery = q.Encode()
		return u.String()
	}

	return ref + param
}

// IsImageMIME reports whether mimeType names an image type.
func IsImageMIME(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}
