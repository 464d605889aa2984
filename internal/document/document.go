package document

import "time"

// Document is a file or folder record owned by a single user. Identity
// and timestamps are assigned by the backend; the client never invents
// them.
type Document struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	FolderID   *string   `json:"folder_id"`
	IsFolder   bool      `json:"is_folder"`
	IsFavorite bool      `json:"is_favorite"`
	Path       string    `json:"path,omitempty"`
	Size       int64     `json:"size,omitempty"`
	Ext        string    `json:"ext,omitempty"`
	Color      string    `json:"color,omitempty"`
	Icon       string    `json:"icon,omitempty"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// InRoot reports whether the document lives at the top level.
func (d Document) InRoot() bool {
	return d.FolderID == nil
}

// Patch is a partial update to a document. Nil fields are left
// untouched. Moving to the root folder is expressed by SetFolder=true
// with FolderID=nil, since "absent" and "null" differ for folder_id.
type Patch struct {
	Name       *string
	IsFavorite *bool
	Color      *string
	Icon       *string
	FolderID   *string
	SetFolder  bool
}

// Apply returns a copy of d with the patch applied. Both the optimistic
// mutation path and the realtime echo funnel through this single
// function, so double application converges to the same state.
func (d Document) Apply(p Patch) Document {
	if p.Name != nil {
		d.Name = *p.Name
	}

	if p.IsFavorite != nil {
		d.IsFavorite = *p.IsFavorite
	}

	if p.Color != nil {
		d.Color = *p.Color
	}

	if p.Icon != nil {
		d.Icon = *p.Icon
	}

	if p.SetFolder {
		d.FolderID = p.FolderID
	}

	return d
}

// Fields returns the patch as a column-name map suitable for a rows-API
// update body. Nil fields are omitted; a root move maps to an explicit
// null folder_id.
func (p Patch) Fields() map[string]any {
	fields := make(map[string]any)

	if p.Name != nil {
		fields["name"] = *p.Name
	}

	if p.IsFavorite != nil {
		fields["is_favorite"] = *p.IsFavorite
	}

	if p.Color != nil {
		fields["color"] = *p.Color
	}

	if p.Icon != nil {
		fields["icon"] = *p.Icon
	}

	if p.SetFolder {
		if p.FolderID != nil {
			fields["folder_id"] = *p.FolderID
		} else {
			fields["folder_id"] = nil
		}
	}

	return fields
}

// IsZero reports whether the patch changes nothing.
func (p Patch) IsZero() bool {
	return p.Name == nil && p.IsFavorite == nil && p.Color == nil &&
		p.Icon == nil && !p.SetFolder
}
