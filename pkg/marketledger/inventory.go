package marketledger

import "context"

// AddLead lists a new lead in the marketplace catalog. The price is fixed at
// listing time and never changed by the ledger.
func (service *Service) AddLead(ctx context.Context, price PositiveAmountCents, metadata MetadataJSON) (Lead, error) {
	lead, operationError := service.store.InsertLead(ctx, LeadInput{
		PriceCents:     price,
		Metadata:       metadata,
		CreatedUnixUTC: service.nowFn(),
	})
	var leadRef *LeadID
	if operationError == nil {
		value := lead.LeadID
		leadRef = &value
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationAddLead,
		LeadID:    leadRef,
		Amount:    price.ToAmountCents(),
		Error:     operationError,
	})
	return lead, operationError
}

// GetLead fetches a single lead record.
func (service *Service) GetLead(ctx context.Context, leadID LeadID) (Lead, error) {
	return service.store.GetLead(ctx, leadID)
}

// ListAvailableLeads returns purchasable inventory, newest first.
func (service *Service) ListAvailableLeads(ctx context.Context, limit int) ([]Lead, error) {
	return service.store.ListAvailableLeads(ctx, limit)
}
