package store

import "time"

// Profile is the persisted unified-user record. Exactly one of
// SessionUserID / WalletUserID is populated, mirroring AuthProvider.
type Profile struct {
	ID              string    `gorm:"column:id;primaryKey;size:190;not null"`
	SessionUserID   string    `gorm:"column:session_user_id;size:190;index"`
	WalletUserID    string    `gorm:"column:wallet_user_id;size:190;index"`
	Email           string    `gorm:"column:email;size:320"`
	Name            string    `gorm:"column:name;size:320"`
	AvatarURL       string    `gorm:"column:avatar_url;size:512"`
	GithubUsername  string    `gorm:"column:github_username;size:190"`
	LinkedinProfile string    `gorm:"column:linkedin_profile;size:320"`
	WalletAddress   string    `gorm:"column:wallet_address;size:128"`
	WalletType      string    `gorm:"column:wallet_type;size:64"`
	AuthProvider    string    `gorm:"column:auth_provider;size:32;not null"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing profiles.
func (Profile) TableName() string {
	return "profiles"
}

// Application is one submission for an opportunity. A user applies at most
// once per opportunity; status transitions are administrative and never
// driven by this core.
type Application struct {
	ID            string    `gorm:"column:id;primaryKey;size:64;not null"`
	OpportunityID string    `gorm:"column:opportunity_id;size:190;not null;uniqueIndex:idx_applications_opportunity_user"`
	UserID        string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_applications_opportunity_user"`
	Payload       string    `gorm:"column:payload;type:text"`
	Status        string    `gorm:"column:status;size:32;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing applications.
func (Application) TableName() string {
	return "applications"
}

// Opportunity is a posting. This core reads opportunities and never writes
// them; rows are loaded by the companies' ingestion path.
type Opportunity struct {
	ID                 string    `gorm:"column:id;primaryKey;size:190;not null"`
	CompanyName        string    `gorm:"column:company_name;size:320;not null"`
	Title              string    `gorm:"column:title;size:320;not null"`
	ShortDesc          string    `gorm:"column:short_desc;size:1024"`
	LongDescriptionURL string    `gorm:"column:long_description_url;size:512"`
	RepoURL            string    `gorm:"column:repo_url;size:512"`
	IssueURL           string    `gorm:"column:issue_url;size:512"`
	PayoutToken        string    `gorm:"column:payout_token;size:32"`
	PayoutAmount       float64   `gorm:"column:payout_amount"`
	ChainID            int64     `gorm:"column:chain_id"`
	Deadline           time.Time `gorm:"column:deadline"`
	Status             string    `gorm:"column:status;size:32"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing opportunities.
func (Opportunity) TableName() string {
	return "opportunities"
}

// Resume is the metadata row for an uploaded candidate resume.
type Resume struct {
	ID        string    `gorm:"column:id;primaryKey;size:64;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index"`
	Filename  string    `gorm:"column:filename;size:512;not null"`
	FilePath  string    `gorm:"column:file_path;size:512;not null"`
	FileSize  int64     `gorm:"column:file_size"`
	MimeType  string    `gorm:"column:mime_type;size:190"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing resumes.
func (Resume) TableName() string {
	return "resumes"
}

// JobDescription is the metadata row for an uploaded job description. Email
// is the optional contact the company left with the upload.
type JobDescription struct {
	ID        string    `gorm:"column:id;primaryKey;size:64;not null"`
	Filename  string    `gorm:"column:filename;size:512;not null"`
	FilePath  string    `gorm:"column:file_path;size:512;not null"`
	FileSize  int64     `gorm:"column:file_size"`
	MimeType  string    `gorm:"column:mime_type;size:190"`
	Email     string    `gorm:"column:email;size:320"`
	PublicURL string    `gorm:"column:public_url;size:512"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing job descriptions.
func (JobDescription) TableName() string {
	return "job_descriptions"
}
