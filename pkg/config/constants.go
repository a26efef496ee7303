package config

// EnvPrefix is passed to envconfig; individual fields carry explicit names.
const EnvPrefix = ""

const (
	AppEnvDev  = "development"
	AppEnvProd = "production"
)

const (
	EnvAppEnv = "TALENTBASE_APP_ENV"
	EnvDBDSN  = "TALENTBASE_DB_DSN"
	EnvDBHost = "TALENTBASE_DB_HOST"
	EnvDBUser = "TALENTBASE_DB_USER"
	EnvDBName = "TALENTBASE_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
