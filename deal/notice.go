package deal

// Action names what an inline choice does when pressed
type Action string

const (
	// ActionConfirmAmount locks the proposed amounts
	ActionConfirmAmount Action = "confirm_amount"
	// ActionButtonChoice answers a choice the wallet agent asked for
	ActionButtonChoice Action = "button_choice"
	// ActionSellerAnswer answers the release question with yes or no
	ActionSellerAnswer Action = "seller_answer"
)

// Choice is an inline option attached to a notice
type Choice struct {
	Label  string
	Action Action
	Value  string
}

// Notice is one outbound message of the state machine
type Notice struct {
	ChatID  int64
	Text    string
	Image   []byte
	Choices []Choice
}
