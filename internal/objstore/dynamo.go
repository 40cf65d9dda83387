package objstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Dynamo stores one item per object in a table keyed by the string "path".
type Dynamo struct {
	db        DynamoAPI
	tableName string
}

type dynamoObject struct {
	Path      string `dynamodbav:"path"`
	Data      []byte `dynamodbav:"data"`
	UpdatedAt int64  `dynamodbav:"updated_at"`
}

// NewDynamo loads the default AWS config for region and returns a store over table.
// A non-empty endpoint points the client at a local DynamoDB.
func NewDynamo(ctx context.Context, table, region, endpoint string) (*Dynamo, error) {
	if table == "" {
		return nil, errors.New("objstore: dynamodb table is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewDynamoWithClient(client, table), nil
}

// NewDynamoWithClient wraps an existing client.
func NewDynamoWithClient(db DynamoAPI, table string) *Dynamo {
	return &Dynamo{db: db, tableName: table}
}

func (d *Dynamo) Get(ctx context.Context, path string) ([]byte, error) {
	out, err := d.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"path": &types.AttributeValueMemberS{Value: path},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: dynamodb get %s: %w", path, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var obj dynamoObject
	if err := attributevalue.UnmarshalMap(out.Item, &obj); err != nil {
		return nil, err
	}
	return obj.Data, nil
}

func (d *Dynamo) Put(ctx context.Context, path string, data []byte, opts PutOptions) (bool, error) {
	item, err := attributevalue.MarshalMap(dynamoObject{Path: path, Data: data, UpdatedAt: time.Now().UnixMilli()})
	if err != nil {
		return false, err
	}
	in := &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	}
	if opts.IfAbsent {
		in.ConditionExpression = aws.String("attribute_not_exists(#p)")
		in.ExpressionAttributeNames = map[string]string{"#p": "path"}
	}
	if _, err := d.db.PutItem(ctx, in); err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return false, nil
		}
		return false, fmt.Errorf("objstore: dynamodb put %s: %w", path, err)
	}
	return true, nil
}

func (d *Dynamo) URI(path string) string { return "dynamodb://" + d.tableName + "/" + path }
