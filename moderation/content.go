package moderation

import "fmt"

// Kind of user-submitted content being moderated. Listing-type content gets
// stricter treatment than private messages in the decision engine.
type ContentType string

const (
	ContentPost    ContentType = "post"
	ContentComment ContentType = "comment"
	ContentListing ContentType = "listing"
	ContentDM      ContentType = "dm"
	ContentNFT     ContentType = "nft"
	ContentService ContentType = "service"
)

func (ct ContentType) Valid() bool {
	switch ct {
	case ContentPost, ContentComment, ContentListing, ContentDM, ContentNFT, ContentService:
		return true
	}
	return false
}

// A single attached media object (image, usually).
type MediaItem struct {
	URL       string `json:"url"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
}

// One piece of content submitted for moderation. Immutable once submitted;
// a re-scan of the same content is a new pass, not a mutation.
type ContentInput struct {
	ID             string            `json:"id"`
	Type           ContentType       `json:"type"`
	Text           string            `json:"text,omitempty"`
	Media          []MediaItem       `json:"media,omitempty"`
	UserID         string            `json:"userId"`
	UserReputation int               `json:"userReputation"`
	WalletAddress  string            `json:"walletAddress,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (c *ContentInput) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("content input missing ID")
	}
	if !c.Type.Valid() {
		return fmt.Errorf("unknown content type: %s", c.Type)
	}
	return nil
}

// Whether there is anything to scan at all. Empty submissions are not an
// error; they decide as "safe" without vendor calls.
func (c *ContentInput) Empty() bool {
	return c.Text == "" && len(c.Media) == 0
}
