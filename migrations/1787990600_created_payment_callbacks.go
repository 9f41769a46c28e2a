package migrations

import (
	"encoding/json"

	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		jsonData := `{
			"id": "pbc_3867540126",
			"name": "payment_callbacks",
			"type": "base",
			"system": false,
			"fields": [
				{
					"autogeneratePattern": "[a-z0-9]{15}",
					"hidden": false,
					"id": "text3208210256",
					"max": 15,
					"min": 15,
					"name": "id",
					"pattern": "^[a-z0-9]+$",
					"presentable": false,
					"primaryKey": true,
					"required": true,
					"system": true,
					"type": "text"
				},
				{
					"autogeneratePattern": "",
					"hidden": false,
					"id": "text3241672206",
					"max": 0,
					"min": 0,
					"name": "order_id",
					"pattern": "",
					"presentable": true,
					"primaryKey": false,
					"required": true,
					"system": false,
					"type": "text"
				},
				{
					"autogeneratePattern": "",
					"hidden": false,
					"id": "text1862542102",
					"max": 0,
					"min": 0,
					"name": "gateway_ref",
					"pattern": "",
					"presentable": false,
					"primaryKey": false,
					"required": true,
					"system": false,
					"type": "text"
				},
				{
					"hidden": false,
					"id": "select3151841182",
					"maxSelect": 1,
					"name": "outcome",
					"presentable": false,
					"required": true,
					"system": false,
					"type": "select",
					"values": ["success", "failure"]
				},
				{
					"autogeneratePattern": "",
					"hidden": false,
					"id": "text1767278655",
					"max": 0,
					"min": 0,
					"name": "amount",
					"pattern": "",
					"presentable": false,
					"primaryKey": false,
					"required": false,
					"system": false,
					"type": "text"
				},
				{
					"autogeneratePattern": "",
					"hidden": false,
					"id": "text2246672028",
					"max": 0,
					"min": 0,
					"name": "raw_query",
					"pattern": "",
					"presentable": false,
					"primaryKey": false,
					"required": false,
					"system": false,
					"type": "text"
				},
				{
					"hidden": false,
					"id": "bool2028839870",
					"name": "duplicate",
					"presentable": false,
					"required": false,
					"system": false,
					"type": "bool"
				},
				{
					"hidden": false,
					"id": "date3956148161",
					"max": "",
					"min": "",
					"name": "received_at",
					"presentable": false,
					"required": true,
					"system": false,
					"type": "date"
				}
			],
			"indexes": [
				"CREATE INDEX idx_payment_callbacks_gateway_ref ON payment_callbacks (gateway_ref)",
				"CREATE INDEX idx_payment_callbacks_order_id ON payment_callbacks (order_id)"
			],
			"listRule": null,
			"viewRule": null,
			"createRule": null,
			"updateRule": null,
			"deleteRule": null
		}`

		collection := &core.Collection{}
		if err := json.Unmarshal([]byte(jsonData), &collection); err != nil {
			return err
		}

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("pbc_3867540126")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
