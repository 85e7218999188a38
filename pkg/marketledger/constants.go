package marketledger

const (
	operationPurchase = "purchase"
	operationTopUp    = "topup"
	operationAddLead  = "add_lead"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
