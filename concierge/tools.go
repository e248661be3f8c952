package concierge

import "encoding/json"

// Tool names are part of the backend contract.
const (
	toolSaveVisitor    = "guardar_datos_visitante"
	toolFindResident   = "buscar_residente"
	toolNotifyResident = "notificar_residente"
	toolEndCall        = "finalizar_llamada"
)

type tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

var tools = []tool{
	{
		Type:        "function",
		Name:        toolSaveVisitor,
		Description: "Store the visitor's details. The backend normalises national id, phone and licence plate formats.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"nombre":{"type":"string","description":"Visitor full name as spoken"},
			"rut":{"type":"string","description":"National id or passport in any format"},
			"telefono":{"type":"string","description":"Phone number in any format"},
			"patente":{"type":"string","description":"Vehicle licence plate in any format"},
			"motivo":{"type":"string","description":"Reason for the visit"},
			"casa":{"type":"string","description":"Destination unit"}}}`),
	},
	{
		Type:        "function",
		Name:        toolFindResident,
		Description: "Look up every resident of a unit by number or code, e.g. \"15\", \"Casa 15\" or \"B-201\".",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"casa":{"type":"string","description":"Unit number or code as the visitor said it"}},"required":["casa"]}`),
	},
	{
		Type:        "function",
		Name:        toolNotifyResident,
		Description: "Send a push notification to all residents of the family so they approve or reject the visit.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"residentes_ids":{"type":"array","items":{"type":"string"},"description":"Ids of every resident to notify"}},"required":["residentes_ids"]}`),
	},
	{
		Type:        "function",
		Name:        toolEndCall,
		Description: "End the call. Use only after saying goodbye and never announce it.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
	},
}

// toolError is the payload returned to the model when a tool cannot run.
func toolError(msg string, err error) []byte {
	out, _ := json.Marshal(map[string]string{"error": msg, "details": err.Error()})
	return out
}
