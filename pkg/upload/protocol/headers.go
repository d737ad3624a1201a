package protocol

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Version is the only resumable protocol version spoken by client and server.
const Version = "1.0.0"

// Extensions advertised in OPTIONS responses.
const Extensions = "creation,termination,checksum,expiration"

const (
	HeaderResumable      = "Tus-Resumable"
	HeaderVersion        = "Tus-Version"
	HeaderMaxSize        = "Tus-Max-Size"
	HeaderExtension      = "Tus-Extension"
	HeaderChecksumAlgos  = "Tus-Checksum-Algorithm"
	HeaderUploadLength   = "Upload-Length"
	HeaderUploadOffset   = "Upload-Offset"
	HeaderUploadMetadata = "Upload-Metadata"
	HeaderUploadComplete = "Upload-Complete"
	HeaderUploadExpires  = "Upload-Expires"
	HeaderUploadChecksum = "Upload-Checksum"
	HeaderUploadError    = "Upload-Error"
	HeaderLocation       = "Location"
	HeaderContentType    = "Content-Type"
	HeaderCacheControl   = "Cache-Control"
)

// ContentTypeOffset is required on PATCH bodies.
const ContentTypeOffset = "application/offset+octet-stream"

// ChecksumAlgorithm is the digest used for Upload-Checksum.
const ChecksumAlgorithm = "sha256"

// EncodeMetadata renders metadata as "key base64(value)" pairs separated by
// commas, sorted by key so the output is stable.
func EncodeMetadata(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		if v := md[k]; v != "" {
			b.WriteByte(' ')
			b.WriteString(base64.StdEncoding.EncodeToString([]byte(v)))
		}
	}
	return b.String()
}

// ParseMetadata is the inverse of EncodeMetadata. A key without a value maps
// to the empty string.
func ParseMetadata(header string) (map[string]string, error) {
	md := make(map[string]string)
	if strings.TrimSpace(header) == "" {
		return md, nil
	}
	for _, pair := range strings.Split(header, ",") {
		fields := strings.Fields(pair)
		switch len(fields) {
		case 1:
			md[fields[0]] = ""
		case 2:
			v, err := base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				return nil, Errorf(CategoryInvalid, "metadata value for %q is not base64: %w", fields[0], err)
			}
			md[fields[0]] = string(v)
		default:
			return nil, Errorf(CategoryInvalid, "malformed metadata pair %q", pair)
		}
	}
	if err := ValidateMetadata(md); err != nil {
		return nil, err
	}
	return md, nil
}

// ValidateMetadata rejects keys that cannot be carried in the header.
func ValidateMetadata(md map[string]string) error {
	for k := range md {
		if k == "" || strings.ContainsAny(k, " ,\t\r\n") {
			return Errorf(CategoryInvalid, "invalid metadata key %q", k)
		}
	}
	return nil
}

// ParseLength parses a non-negative integer header such as Upload-Length or Upload-Offset.
func ParseLength(name, value string) (int64, error) {
	if value == "" {
		return 0, Errorf(CategoryInvalid, "missing %s header", name)
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0, Errorf(CategoryInvalid, "invalid %s header %q", name, value)
	}
	return n, nil
}

// FormatLength is strconv.FormatInt for header values.
func FormatLength(n int64) string {
	return strconv.FormatInt(n, 10)
}

// FormatBool renders Upload-Complete.
func FormatBool(v bool) string {
	return strconv.FormatBool(v)
}

// ParseBool parses Upload-Complete, treating anything unparsable as false.
func ParseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// FormatExpires renders Upload-Expires in RFC 1123 form.
func FormatExpires(t time.Time) string {
	return t.UTC().Format(time.RFC1123)
}

// ParseExpires returns the zero time for an absent or malformed header.
func ParseExpires(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC1123, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Checksum renders the Upload-Checksum value for a chunk.
func Checksum(p []byte) string {
	sum := sha256.Sum256(p)
	return ChecksumAlgorithm + " " + base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyChecksum checks an Upload-Checksum header against the chunk. An empty
// header is accepted.
func VerifyChecksum(header string, p []byte) error {
	if header == "" {
		return nil
	}
	algo, digest, ok := strings.Cut(header, " ")
	if !ok {
		return Errorf(CategoryInvalid, "malformed %s header", HeaderUploadChecksum)
	}
	if algo != ChecksumAlgorithm {
		return Errorf(CategoryInvalid, "unsupported checksum algorithm %q", algo)
	}
	if Checksum(p) != ChecksumAlgorithm+" "+digest {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, digest)
	}
	return nil
}
