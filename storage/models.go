package storage

import "time"

// BotStatus is the lifecycle state of a bot instance.
type BotStatus string

const (
	BotStarting BotStatus = "starting"
	// BotProvisioning marks a row claimed by an in-flight provisioning run.
	// The claim is taken with a conditional starting->provisioning update, so
	// a duplicate trigger cannot claim the same row. API responses report it
	// as starting; the run ends in running or failed.
	BotProvisioning BotStatus = "provisioning"
	BotRunning      BotStatus = "running"
	BotStopped      BotStatus = "stopped"
	BotFailed       BotStatus = "failed"
)

// GatewayStatus is the lifecycle state of a NAT gateway.
type GatewayStatus string

const (
	GatewayProvisioning GatewayStatus = "provisioning"
	GatewayActive       GatewayStatus = "active"
	GatewayInactive     GatewayStatus = "inactive"
	GatewayFailed       GatewayStatus = "failed"
)

// BotInstance is the persisted lifecycle record of a tenant's bot VM.
//
// Invariant: Status == BotRunning implies CloudServerID and PrivateIP are
// non-nil. Instances are never hard-deleted, only transitioned to stopped.
// All *_encrypted columns hold SecretBox payloads, never plaintext.
type BotInstance struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	TenantID string `gorm:"index;not null" json:"tenant_id"`
	Name     string `gorm:"not null" json:"name"`

	Status     BotStatus `gorm:"index;not null;default:starting" json:"status"`
	AgentModel string    `gorm:"default:''" json:"agent_model"`

	CloudServerID *int64  `gorm:"column:cloud_server_id" json:"cloud_server_id,omitempty"`
	PrivateIP     *string `gorm:"column:private_ip" json:"private_ip,omitempty"`
	NatGatewayID  *string `gorm:"column:nat_gateway_id" json:"nat_gateway_id,omitempty"`

	ClientCert             string `gorm:"column:client_cert;type:text" json:"-"`
	ClientKeyEncrypted     string `gorm:"column:client_key_encrypted;type:text" json:"-"`
	GatewayTokenEncrypted  string `gorm:"column:gateway_token_encrypted;type:text" json:"-"`
	LitellmKeyEncrypted    string `gorm:"column:litellm_key_encrypted;type:text" json:"-"`
	LitellmBaseURL         string `gorm:"column:litellm_base_url" json:"-"`
	AnthropicKeyEncrypted  string `gorm:"column:anthropic_key_encrypted;type:text" json:"-"`
	OpenAIKeyEncrypted     string `gorm:"column:openai_key_encrypted;type:text" json:"-"`
	TelegramTokenEncrypted string `gorm:"column:telegram_token_encrypted;type:text" json:"-"`

	LastError string `gorm:"column:last_error;type:text" json:"last_error,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CACertificate is the persisted certificate authority. At most one row is
// active at a time; rotation deactivates the old row and inserts a new one.
// The row carries both the root material and the derived server pair used by
// the mTLS config endpoint.
type CACertificate struct {
	ID     uint `gorm:"primaryKey;autoIncrement"`
	Active bool `gorm:"index;not null;default:false"`

	CertPEM             string `gorm:"column:cert_pem;type:text;not null"`
	PrivateKeyEncrypted string `gorm:"column:private_key_encrypted;type:text;not null"`

	ServerCertPEM      string `gorm:"column:server_cert_pem;type:text"`
	ServerKeyEncrypted string `gorm:"column:server_key_encrypted;type:text"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// NatGateway is a shared egress VM with bounded capacity.
//
// Invariant: an active gateway is eligible for new assignments only while
// BotCount < MaxBots. Counter updates go through the store's atomic
// increment/decrement, never read-modify-write.
type NatGateway struct {
	ID    string `gorm:"primaryKey;size:36" json:"id"`
	Name  string `gorm:"uniqueIndex;not null" json:"name"`
	Index int    `gorm:"column:gw_index;not null" json:"index"`

	CloudServerID *int64  `gorm:"column:cloud_server_id" json:"cloud_server_id,omitempty"`
	PrivateIP     string  `gorm:"column:private_ip" json:"private_ip"`
	PublicIP      *string `gorm:"column:public_ip" json:"public_ip,omitempty"`

	Status   GatewayStatus `gorm:"index;not null;default:provisioning" json:"status"`
	BotCount int           `gorm:"column:bot_count;not null;default:0" json:"bot_count"`
	MaxBots  int           `gorm:"column:max_bots;not null;default:25" json:"max_bots"`

	LastHealthCheckAt *time.Time `gorm:"column:last_health_check_at" json:"last_health_check_at,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
