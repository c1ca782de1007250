package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CallFlow/internal/models"
)

// Menu prices in whole currency units.
var orderItemPrices = map[models.OrderItemType]int{
	models.OrderItemChicken: 65,
	models.OrderItemMeat:    85,
	models.OrderItemMix:     75,
}

var orderExtraPrices = map[models.OrderExtra]int{
	models.OrderExtraFries:       25,
	models.OrderExtraCheese:      10,
	models.OrderExtraGarlicSauce: 5,
	models.OrderExtraTahini:      5,
}

// basePreparationMinutes is the kitchen's fixed preparation overhead.
const basePreparationMinutes = 15

// minutesPerSandwich is the incremental preparation time per sandwich.
const minutesPerSandwich = 5

// OrderLine is one item entry on an order.
type OrderLine struct {
	ItemType models.OrderItemType `json:"item_type"`
	Quantity int                  `json:"quantity"`
	Extras   []models.OrderExtra  `json:"extras,omitempty"`
}

// Price computes the line price: base price times quantity plus extras.
func (l OrderLine) Price() int {
	price := orderItemPrices[l.ItemType] * l.Quantity
	for _, extra := range l.Extras {
		price += orderExtraPrices[extra]
	}
	return price
}

// Order accumulates the caller's order over the conversation. Access is
// serialized by the engine's turn processing.
type Order struct {
	Lines               []OrderLine `json:"lines"`
	Address             string      `json:"address"`
	Phone               string      `json:"phone"`
	SpecialInstructions string      `json:"special_instructions,omitempty"`
}

// Total computes the order total across all lines.
func (o *Order) Total() int {
	total := 0
	for _, line := range o.Lines {
		total += line.Price()
	}
	return total
}

// TotalQuantity returns the total sandwich count.
func (o *Order) TotalQuantity() int {
	quantity := 0
	for _, line := range o.Lines {
		quantity += line.Quantity
	}
	return quantity
}

// EstimatedMinutes returns the estimated delivery time in minutes.
func (o *Order) EstimatedMinutes() int {
	return basePreparationMinutes + minutesPerSandwich*o.TotalQuantity()
}

// Summary renders a human-readable order summary.
func (o *Order) Summary() string {
	if len(o.Lines) == 0 {
		return "The order is empty."
	}

	var b strings.Builder
	for _, line := range o.Lines {
		fmt.Fprintf(&b, "%dx %s shawarma", line.Quantity, line.ItemType)
		if len(line.Extras) > 0 {
			extras := make([]string, 0, len(line.Extras))
			for _, extra := range line.Extras {
				extras = append(extras, string(extra))
			}
			fmt.Fprintf(&b, " with %s", strings.Join(extras, ", "))
		}
		fmt.Fprintf(&b, " - %d\n", line.Price())
	}
	fmt.Fprintf(&b, "Total: %d. Estimated delivery in %d minutes.", o.Total(), o.EstimatedMinutes())
	return b.String()
}

// menuText lists the sandwiches and prices for the get_menu tool.
func menuText() string {
	return "Menu: chicken shawarma 65, meat shawarma 85, mix shawarma 75."
}

// extrasText lists the add-ons and prices for the get_extras tool.
func extrasText() string {
	return "Extras: fries 25, cheese 10, garlic sauce 5, extra tahini 5."
}

// NewOrderDefinition builds the order-taking flow for one session and
// returns the definition along with the order record it accumulates into.
func NewOrderDefinition() (*Definition, *Order, error) {
	order := &Order{}
	dispatcher := NewDispatcher()

	handlers := map[string]ToolHandler{
		"get_menu": func(ctx context.Context, args json.RawMessage) (HandlerOutcome, error) {
			return HandlerOutcome{Success: true, Response: menuText()}, nil
		},
		"get_extras": func(ctx context.Context, args json.RawMessage) (HandlerOutcome, error) {
			return HandlerOutcome{Success: true, Response: extrasText()}, nil
		},
		"start_ordering": func(ctx context.Context, args json.RawMessage) (HandlerOutcome, error) {
			return HandlerOutcome{Success: true, Response: "Starting a new order."}, nil
		},
		"select_order_item": func(ctx context.Context, args json.RawMessage) (HandlerOutcome, error) {
			var params models.SelectOrderItemParams
			if err := json.Unmarshal(args, &params); err != nil {
				return HandlerOutcome{Success: false, Response: "The item selection could not be understood."}, nil
			}
			if err := params.Validate(); err != nil {
				return HandlerOutcome{Success: false, Response: fmt.Sprintf("The item selection is invalid: %s.", err.Error())}, nil
			}
			line := OrderLine{ItemType: params.ItemType, Quantity: params.Quantity, Extras: params.Extras}
			order.Lines = append(order.Lines, line)
			slog.Debug("flow.order: item added", "itemType", params.ItemType, "quantity", params.Quantity, "lineTotal", line.Price(), "orderTotal", order.Total())
			return HandlerOutcome{
				Success:  true,
				Response: fmt.Sprintf("Added %dx %s shawarma. Line total %d. Order total %d.", params.Quantity, params.ItemType, line.Price(), order.Total()),
			}, nil
		},
		"set_delivery_info": func(ctx context.Context, args json.RawMessage) (HandlerOutcome, error) {
			var params models.DeliveryInfoParams
			if err := json.Unmarshal(args, &params); err != nil {
				return HandlerOutcome{Success: false, Response: "The delivery details could not be understood."}, nil
			}
			if err := params.Validate(); err != nil {
				return HandlerOutcome{Success: false, Response: fmt.Sprintf("The delivery details are invalid: %s.", err.Error())}, nil
			}
			order.Address = params.Address
			order.Phone = params.Phone
			order.SpecialInstructions = params.SpecialInstructions
			return HandlerOutcome{Success: true, Response: fmt.Sprintf("Delivery to %s recorded.", params.Address)}, nil
		},
		"revise_order": func(ctx context.Context, args json.RawMessage) (HandlerOutcome, error) {
			return HandlerOutcome{Success: true, Response: "Sure, let's update the order. " + order.Summary()}, nil
		},
		"complete_order": func(ctx context.Context, args json.RawMessage) (HandlerOutcome, error) {
			if len(order.Lines) == 0 {
				return HandlerOutcome{Success: false, Response: "The order has no items yet."}, nil
			}
			if order.Address == "" || order.Phone == "" {
				return HandlerOutcome{Success: false, Response: "Delivery address and phone number are still missing."}, nil
			}
			slog.Info("flow.order: order completed", "total", order.Total(), "items", len(order.Lines), "estimatedMinutes", order.EstimatedMinutes())
			return HandlerOutcome{Success: true, Response: "Order confirmed. " + order.Summary()}, nil
		},
	}
	for name, handler := range handlers {
		if err := dispatcher.Register(name, handler); err != nil {
			return nil, nil, fmt.Errorf("failed to register order tool: %w", err)
		}
	}

	getMenuTool := ToolSchema{
		Name:        "get_menu",
		Description: "List the sandwiches on the menu with prices.",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	}
	getExtrasTool := ToolSchema{
		Name:        "get_extras",
		Description: "List the available order extras with prices.",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	}

	nodes := []*Node{
		{
			ID: "start",
			TaskMessages: []string{
				"Greet the caller warmly, tell them this is the shawarma restaurant, and ask whether they would like to place an order. Offer to read the menu if they are unsure.",
			},
			PreActions: []Action{
				{Kind: ActionPreconditionCheck, Check: "kitchen_ready"},
			},
			Tools: []ToolSchema{
				getMenuTool,
				getExtrasTool,
				{
					Name:        "start_ordering",
					Description: "Begin taking the caller's order once they are ready to order.",
					Parameters: map[string]interface{}{
						"type":       "object",
						"properties": map[string]interface{}{},
					},
					Transition: "order_items",
				},
			},
		},
		{
			ID: "order_items",
			TaskMessages: []string{
				"Help the caller choose sandwiches. Confirm the item, quantity, and any extras before recording the selection.",
			},
			Tools: []ToolSchema{
				getMenuTool,
				getExtrasTool,
				{
					Name:        "select_order_item",
					Description: "Record a sandwich selection with quantity and optional extras.",
					Parameters: map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"item_type": map[string]interface{}{
								"type":        "string",
								"enum":        []string{"chicken", "meat", "mix"},
								"description": "The sandwich the caller wants",
							},
							"quantity": map[string]interface{}{
								"type":        "integer",
								"minimum":     1,
								"description": "How many sandwiches",
							},
							"extras": map[string]interface{}{
								"type":        "array",
								"items":       map[string]interface{}{"type": "string", "enum": []string{"fries", "cheese", "garlic_sauce", "tahini_extra"}},
								"description": "Optional extras for this item",
							},
						},
						"required": []string{"item_type", "quantity"},
					},
					Transition: "delivery_info",
				},
			},
		},
		{
			ID: "delivery_info",
			TaskMessages: []string{
				"Collect the delivery address and a contact phone number. Ask for any special delivery instructions.",
			},
			Tools: []ToolSchema{
				{
					Name:        "set_delivery_info",
					Description: "Record the delivery address, phone number, and optional special instructions.",
					Parameters: map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"address": map[string]interface{}{
								"type":        "string",
								"description": "Full delivery address",
							},
							"phone": map[string]interface{}{
								"type":        "string",
								"description": "Contact phone number, 8 to 11 digits",
							},
							"special_instructions": map[string]interface{}{
								"type":        "string",
								"description": "Optional delivery notes",
							},
						},
						"required": []string{"address", "phone"},
					},
					Transition: "confirm",
				},
				{
					Name:        "revise_order",
					Description: "Go back and change the items on the order.",
					Parameters: map[string]interface{}{
						"type":       "object",
						"properties": map[string]interface{}{},
					},
					Transition: "order_items",
				},
			},
		},
		{
			ID: "confirm",
			TaskMessages: []string{
				"Read the full order back to the caller including each item, the total, and the estimated delivery time. Ask them to confirm or revise.",
			},
			Tools: []ToolSchema{
				{
					Name:        "complete_order",
					Description: "Finalize the order after the caller confirms it.",
					Parameters: map[string]interface{}{
						"type":       "object",
						"properties": map[string]interface{}{},
					},
					Transition: "end",
				},
				{
					Name:        "revise_order",
					Description: "Go back and change the items on the order.",
					Parameters: map[string]interface{}{
						"type":       "object",
						"properties": map[string]interface{}{},
					},
					Transition: "order_items",
				},
			},
		},
		{
			ID: "end",
			TaskMessages: []string{
				"Thank the caller for their order and say goodbye briefly.",
			},
			PostActions: []Action{
				{Kind: ActionAnnounce, Text: "شكراً لطلبك، مع السلامة"},
				{Kind: ActionTerminate, GraceDelay: 5 * time.Second},
			},
		},
	}

	roleMessages := []string{
		"You are a friendly phone assistant for a shawarma restaurant taking delivery orders. Keep replies short and natural for speech. Never invent menu items or prices; use the tools to record everything the caller decides.",
	}

	graph, err := NewGraph(roleMessages, "start", nodes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build order graph: %w", err)
	}

	checks := map[string]PreconditionFunc{
		"kitchen_ready": func(ctx context.Context) error {
			slog.Debug("flow.order: kitchen readiness check")
			return nil
		},
	}

	return &Definition{Graph: graph, Dispatcher: dispatcher, Checks: checks}, order, nil
}
