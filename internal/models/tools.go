// Package models defines tool parameter structures for LLM function calling.
package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// OrderItemType identifies a sandwich line item on the menu.
type OrderItemType string

const (
	// OrderItemChicken is the chicken shawarma sandwich.
	OrderItemChicken OrderItemType = "chicken"
	// OrderItemMeat is the meat shawarma sandwich.
	OrderItemMeat OrderItemType = "meat"
	// OrderItemMix is the mixed chicken and meat sandwich.
	OrderItemMix OrderItemType = "mix"
)

// IsValidOrderItemType checks if the given item type is on the menu.
func IsValidOrderItemType(t OrderItemType) bool {
	switch t {
	case OrderItemChicken, OrderItemMeat, OrderItemMix:
		return true
	default:
		return false
	}
}

// OrderExtra identifies an optional order add-on.
type OrderExtra string

const (
	OrderExtraFries       OrderExtra = "fries"
	OrderExtraCheese      OrderExtra = "cheese"
	OrderExtraGarlicSauce OrderExtra = "garlic_sauce"
	OrderExtraTahini      OrderExtra = "tahini_extra"
)

// IsValidOrderExtra checks if the given extra is offered.
func IsValidOrderExtra(e OrderExtra) bool {
	switch e {
	case OrderExtraFries, OrderExtraCheese, OrderExtraGarlicSauce, OrderExtraTahini:
		return true
	default:
		return false
	}
}

// SelectOrderItemParams defines the parameters for the select_order_item tool call.
type SelectOrderItemParams struct {
	ItemType OrderItemType `json:"item_type"`        // Menu item: "chicken", "meat", or "mix"
	Quantity int           `json:"quantity"`         // Number of sandwiches, 1-20
	Extras   []OrderExtra  `json:"extras,omitempty"` // Optional add-ons
}

// Validate ensures the order item parameters are valid.
func (p *SelectOrderItemParams) Validate() error {
	if p.ItemType == "" {
		return ErrEmptyItemType
	}
	if !IsValidOrderItemType(p.ItemType) {
		return fmt.Errorf("%w: %s", ErrUnknownItemType, p.ItemType)
	}
	if p.Quantity < 1 || p.Quantity > MaxOrderQuantity {
		return ErrInvalidQuantity
	}
	for _, extra := range p.Extras {
		if !IsValidOrderExtra(extra) {
			return fmt.Errorf("%w: %s", ErrUnknownExtra, extra)
		}
	}
	return nil
}

// DeliveryInfoParams defines the parameters for the set_delivery_info tool call.
type DeliveryInfoParams struct {
	Address             string `json:"address"`                        // Full delivery address
	Phone               string `json:"phone"`                          // Contact phone number, 8-11 digits
	SpecialInstructions string `json:"special_instructions,omitempty"` // Optional delivery notes
}

// Validate ensures the delivery info parameters are valid.
func (p *DeliveryInfoParams) Validate() error {
	if strings.TrimSpace(p.Address) == "" {
		return ErrEmptyAddress
	}
	digits := countDigits(p.Phone)
	if digits < MinPhoneDigits || digits > MaxPhoneDigits {
		return ErrInvalidPhone
	}
	return nil
}

func countDigits(s string) int {
	count := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			count++
		}
	}
	return count
}

// VerifyBirthdayParams defines the parameters for the verify_birthday tool call.
type VerifyBirthdayParams struct {
	Birthday string `json:"birthday"` // Date of birth in YYYY-MM-DD format
}

// Validate ensures the birthday parameter is present and well-formed.
func (p *VerifyBirthdayParams) Validate() error {
	if p.Birthday == "" {
		return ErrEmptyBirthday
	}
	if err := validateDateFormat(p.Birthday); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBirthday, err)
	}
	return nil
}

// validateDateFormat validates that a date string is in YYYY-MM-DD format.
func validateDateFormat(dateStr string) error {
	dateRegex := regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	if !dateRegex.MatchString(dateStr) {
		return fmt.Errorf("date must be in YYYY-MM-DD format")
	}

	// Additional validation using time.Parse to ensure it's a valid calendar date
	_, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return fmt.Errorf("invalid date: %w", err)
	}

	return nil
}

// WeatherParams defines the parameters for the get_weather tool call.
type WeatherParams struct {
	Latitude  float64 `json:"latitude"`  // Decimal degrees, -90 to 90
	Longitude float64 `json:"longitude"` // Decimal degrees, -180 to 180
}

// Validate ensures the coordinates are within range.
func (p *WeatherParams) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// Prescription is one current-medication entry collected during intake.
type Prescription struct {
	Medication string `json:"medication"` // Medication name
	Dosage     string `json:"dosage"`     // Dosage as stated by the caller
}

// ListPrescriptionsParams defines the parameters for the list_prescriptions tool call.
type ListPrescriptionsParams struct {
	Prescriptions []Prescription `json:"prescriptions"`
}

// Validate ensures each prescription entry names a medication. An empty list
// is valid; callers with no prescriptions report an empty array.
func (p *ListPrescriptionsParams) Validate() error {
	for _, rx := range p.Prescriptions {
		if strings.TrimSpace(rx.Medication) == "" {
			return ErrEmptyMedicationName
		}
	}
	return nil
}

// ListAllergiesParams defines the parameters for the list_allergies tool call.
type ListAllergiesParams struct {
	Allergies []string `json:"allergies"`
}

// Validate accepts any list of allergy names, including an empty one.
func (p *ListAllergiesParams) Validate() error {
	return nil
}

// ListConditionsParams defines the parameters for the list_conditions tool call.
type ListConditionsParams struct {
	Conditions []string `json:"conditions"`
}

// Validate accepts any list of condition names, including an empty one.
func (p *ListConditionsParams) Validate() error {
	return nil
}

// ListVisitReasonsParams defines the parameters for the list_visit_reasons tool call.
type ListVisitReasonsParams struct {
	VisitReasons []string `json:"visit_reasons"`
}

// Validate accepts any list of visit reasons, including an empty one.
func (p *ListVisitReasonsParams) Validate() error {
	return nil
}
