package courier

import (
	"fmt"

	"github.com/couriernet/courier/src/broker"
	"github.com/couriernet/courier/src/config"
	"github.com/couriernet/courier/src/messaging"
	"github.com/couriernet/courier/src/service"
)

// Courier is the top-level engine of a node: it assembles the durable store,
// the broker transport, the messaging layer and the optional HTTP API from a
// config object, and runs them.
type Courier struct {
	Config    *config.Config
	Registry  *messaging.Registry
	Store     messaging.Store
	Factory   broker.SessionFactory
	Messaging *messaging.Service
	Service   *service.Service
}

// NewCourier wraps a config object. Factory and Store may be set before Init
// to plug in an in-memory broker or a custom store; when left nil they are
// built from the config.
func NewCourier(conf *config.Config) *Courier {
	return &Courier{
		Config: conf,
	}
}

func (c *Courier) initStore() error {
	if c.Store != nil {
		return nil
	}

	if !c.Config.Store {
		c.Store = messaging.NewInmemStore()

		c.Config.Logger().Debug("created new in-mem store")
	} else {
		var err error

		c.Config.Logger().WithField("path", c.Config.DatabaseDir).Debug("Attempting to load or create database")

		c.Store, err = messaging.NewBadgerStore(c.Config.DatabaseDir)

		if err != nil {
			return err
		}
	}

	return nil
}

func (c *Courier) initTransport() error {
	if c.Factory != nil {
		return nil
	}

	c.Factory = broker.NewAMQPFactory(
		c.Config.BrokerAddr,
		c.Config.MaxMessageSize,
		c.Config.Logger(),
	)

	return nil
}

func (c *Courier) initMessaging() error {
	if c.Registry == nil {
		c.Registry = messaging.NewRegistry()
	}

	messagingConf := messaging.NewConfig(
		InboxAddress(c.Config.Moniker),
		c.Config.BootstrapTopic,
		c.Config.MaxRetries,
		c.Config.RetryDelay,
		c.Config.Logger().Logger,
	)

	c.Messaging = messaging.NewService(messagingConf, c.Registry, c.Store, c.Factory)

	// the first directory snapshot is what makes the node ready for general
	// traffic
	readyKey := messaging.TopicSession{Topic: c.Config.BootstrapTopic + ".ready", SessionID: 0}
	_, err := c.Messaging.Register(readyKey, func(msg *messaging.Message, reg *messaging.Registration) error {
		c.Messaging.CompleteBootstrap(nil)
		return nil
	})

	return err
}

func (c *Courier) initService() error {
	if !c.Config.NoService {
		c.Service = service.NewService(c.Config.ServiceAddr, c.Messaging, c.Config.Logger())
	}
	return nil
}

// Init builds all the components. It does not touch the broker.
func (c *Courier) Init() error {
	if err := c.initStore(); err != nil {
		return err
	}

	if err := c.initTransport(); err != nil {
		return err
	}

	if err := c.initMessaging(); err != nil {
		return err
	}

	if err := c.initService(); err != nil {
		return err
	}

	return nil
}

// Run connects to the broker, replays the retry ledger and blocks until the
// node is stopped.
func (c *Courier) Run() error {
	if c.Service != nil {
		go c.Service.Serve()
	}

	if err := c.Messaging.Start(); err != nil {
		return err
	}

	if err := c.Messaging.ResumeMessageRedelivery(); err != nil {
		c.Messaging.Stop()
		return err
	}

	return c.Messaging.Run()
}

// Shutdown stops the messaging layer and releases the store.
func (c *Courier) Shutdown() {
	if c.Messaging != nil {
		c.Messaging.Stop()
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			c.Config.Logger().WithError(err).Error("Closing store")
		}
	}
}

// InboxAddress returns the broker queue a node with the given moniker
// consumes from.
func InboxAddress(moniker string) broker.Address {
	if moniker == "" {
		return "courier.inbox"
	}
	return broker.Address(fmt.Sprintf("%s.inbox", moniker))
}
