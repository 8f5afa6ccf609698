package gateway

// TestCard is a processor sandbox card.
type TestCard struct {
	Number      string `json:"number"`
	ExpMonth    int    `json:"exp_month"`
	ExpYear     int    `json:"exp_year"`
	CVC         string `json:"cvc"`
	Description string `json:"description"`
}

type PayPalTestCustomer struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	LoginURL string `json:"loginUrl"`
}

type PayPalCredentials struct {
	Environment  string             `json:"environment"`
	TestCustomer PayPalTestCustomer `json:"testCustomer"`
	TestCards    map[string]string  `json:"testCards"`
}

type StripeCredentials struct {
	Environment    string              `json:"environment"`
	PublishableKey string              `json:"publishableKey"`
	TestCards      map[string]TestCard `json:"testCards"`
	DashboardURL   string              `json:"dashboardUrl"`
}

type SetupInstructions struct {
	Steps        []string `json:"steps"`
	Environment  string   `json:"environment"`
	BaseURL      string   `json:"baseUrl,omitempty"`
	TestCardsURL string   `json:"testCardsUrl,omitempty"`
}

// TestCredentials is everything needed to exercise the sandboxes by hand.
type TestCredentials struct {
	PayPal       PayPalCredentials            `json:"paypal"`
	Stripe       StripeCredentials            `json:"stripe"`
	Instructions map[string]SetupInstructions `json:"instructions"`
}

func stripeCard(number, description string) TestCard {
	return TestCard{Number: number, ExpMonth: 12, ExpYear: 2034, CVC: "123", Description: description}
}

// SandboxCredentials assembles the sandbox credentials for both processors.
func SandboxCredentials(paypal PayPalConfig, stripe StripeConfig) TestCredentials {
	return TestCredentials{
		PayPal: PayPalCredentials{
			Environment: "sandbox",
			TestCustomer: PayPalTestCustomer{
				Email:    paypal.TestCustomerEmail,
				Password: paypal.TestCustomerPassword,
				LoginURL: "https://www.sandbox.paypal.com/",
			},
			TestCards: map[string]string{
				"visa":       "4032039604289826",
				"mastercard": "5474061040746389",
				"amex":       "374245455400001",
			},
		},
		Stripe: StripeCredentials{
			Environment:    "test",
			PublishableKey: stripe.PublishableKey,
			TestCards: map[string]TestCard{
				"success":            stripeCard("4242424242424242", "Successful payment"),
				"declined":           stripeCard("4000000000000002", "Card declined"),
				"insufficient_funds": stripeCard("4000000000009995", "Insufficient funds"),
				"require_3ds":        stripeCard("4000000000003220", "Requires 3D Secure authentication"),
				"processing_error":   stripeCard("4000000000000119", "Processing error"),
			},
			DashboardURL: "https://dashboard.stripe.com/test/payments",
		},
		Instructions: map[string]SetupInstructions{
			"paypal": {
				Steps: []string{
					"1. Create PayPal Developer Account at https://developer.paypal.com",
					"2. Go to Dashboard → Sandbox → Accounts",
					"3. Create Sandbox Business Account (for your app/merchant)",
					"4. Create Sandbox Personal Account (acts as customer)",
					"5. Go to My Apps & Credentials → Create App",
					"6. Copy Client ID and Secret Key",
					"7. Use sandbox personal account to test payments at https://www.sandbox.paypal.com/",
				},
				Environment: "sandbox",
				BaseURL:     paypal.BaseURL,
			},
			"stripe": {
				Steps: []string{
					"1. Create Stripe account at https://dashboard.stripe.com/register",
					"2. Toggle 'Test Mode' in top-left of dashboard",
					"3. Go to Developers → API Keys",
					"4. Use Publishable Key and Secret Key from test mode",
					"5. Use test cards for payments",
				},
				Environment:  "test",
				TestCardsURL: "https://stripe.com/docs/testing",
			},
		},
	}
}
