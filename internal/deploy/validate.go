package deploy

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/oceanvision/reefscan/pkg/messages"
)

// Request is the deploy request body.
type Request struct {
	Data []ImageSpec `json:"data"`
}

// ImageSpec describes one image to classify.
type ImageSpec struct {
	Type       string          `json:"type"`
	Attributes ImageAttributes `json:"attributes"`
}

// ImageAttributes carries the image location and the points to classify.
type ImageAttributes struct {
	URL    string           `json:"url"`
	Points []messages.Point `json:"points"`
}

// ValidationError reports the first structural violation found in a request,
// with a JSON pointer to the offending location.
type ValidationError struct {
	Pointer string
	Detail  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Pointer, e.Detail)
}

// QuotaError rejects a request because the caller already holds too many
// non-terminal deploy jobs.
type QuotaError struct {
	Limit        int
	ActiveJobIDs []uuid.UUID
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("concurrent deploy job limit of %d reached", e.Limit)
}

// Validate applies the structural checks to a deploy request, failing fast on
// the first violation rather than accumulating errors.
func Validate(req *Request) error {
	if len(req.Data) == 0 {
		return &ValidationError{Pointer: "/data", Detail: "must contain at least one element"}
	}
	if len(req.Data) > maxImagesPerRequest {
		return &ValidationError{
			Pointer: "/data",
			Detail:  fmt.Sprintf("must contain at most %d elements", maxImagesPerRequest),
		}
	}

	for i, img := range req.Data {
		base := fmt.Sprintf("/data/%d", i)

		if img.Type != "image" {
			return &ValidationError{Pointer: base + "/type", Detail: `must be "image"`}
		}

		url := strings.TrimSpace(img.Attributes.URL)
		if url == "" {
			return &ValidationError{Pointer: base + "/attributes/url", Detail: "is required"}
		}

		points := img.Attributes.Points
		if len(points) == 0 {
			return &ValidationError{
				Pointer: base + "/attributes/points",
				Detail:  "must contain at least one element",
			}
		}
		if len(points) > maxPointsPerImage {
			return &ValidationError{
				Pointer: base + "/attributes/points",
				Detail:  fmt.Sprintf("must contain at most %d elements", maxPointsPerImage),
			}
		}

		for j, pt := range points {
			if pt.Row < 0 {
				return &ValidationError{
					Pointer: fmt.Sprintf("%s/attributes/points/%d/row", base, j),
					Detail:  "must be a non-negative integer",
				}
			}
			if pt.Column < 0 {
				return &ValidationError{
					Pointer: fmt.Sprintf("%s/attributes/points/%d/column", base, j),
					Detail:  "must be a non-negative integer",
				}
			}
		}
	}
	return nil
}
