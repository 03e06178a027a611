package exchange

// Error is a rejected transition. Each failed precondition maps to exactly
// one of the values below; compare with errors.Is.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrZeroPayment         = &Error{Code: "ZeroPayment", Message: "must send payment to buy tokens"}
	ErrZeroAmount          = &Error{Code: "ZeroAmount", Message: "amount must be positive"}
	ErrInsufficientSupply  = &Error{Code: "InsufficientSupply", Message: "not enough tokens left in the exchange"}
	ErrInsufficientBalance = &Error{Code: "InsufficientBalance", Message: "not enough tokens"}
	ErrInsufficientReserve = &Error{Code: "InsufficientReserve", Message: "not enough reserve to pay out"}
	ErrInvalidPrice        = &Error{Code: "InvalidPrice", Message: "price must be positive"}
	ErrInvalidSupply       = &Error{Code: "InvalidSupply", Message: "total supply must be positive"}
	ErrInvalidAccount      = &Error{Code: "InvalidAccount", Message: "account cannot trade with the exchange"}
	ErrOverflow            = &Error{Code: "Overflow", Message: "amount out of range"}
	ErrAlreadyStarted      = &Error{Code: "AlreadyStarted", Message: "exchange already has transactions"}
	ErrJournalMismatch     = &Error{Code: "JournalMismatch", Message: "journal does not replay to the recorded amounts"}
	ErrJournalWrite        = &Error{Code: "JournalUnavailable", Message: "transition could not be recorded"}
)
