package constant

type SessionState string

const (
	SessionStateActive SessionState = "ACTIVE"
	SessionStateEnded  SessionState = "ENDED"
)

func (s SessionState) String() string {
	return string(s)
}

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}
