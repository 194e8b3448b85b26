package matchmaker

// Errors
var (
	ErrInvalidBucket   = &MatchError{Message: "bucket id is not a build:x:region:playlist tuple"}
	ErrUnknownPlaylist = &MatchError{Message: "playlist does not match any configured game mode"}
	ErrNoTicket        = &MatchError{Message: "no ticket for account"}
)

// MatchError represents a matchmaking error
type MatchError struct {
	Message string
}

func (e *MatchError) Error() string {
	return e.Message
}
